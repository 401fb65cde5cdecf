// Package wasmhost exposes a bridge to WebAssembly guests as the host module
// "carrier".
//
// Requests and events cross guest memory as JSON. A call that produces
// output stages it and copies it into the guest buffer when it fits; the
// return value is always the full length, so a guest with a short buffer
// fetches the staged bytes again with result.
//
//	exec(name_ptr, name_len, args_ptr, args_len, out_ptr, out_cap) -> len
//	listen(channel) -> status
//	poll(channel, out_ptr, out_cap) -> len, 0 when the queue is empty
//	release(channel) -> status
//	result(out_ptr, out_cap) -> len
//
// A Host serves one guest instance at a time.
package wasmhost

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/carrier-bridge/bridge"
	"github.com/wippyai/carrier-bridge/errors"
	"github.com/wippyai/carrier-bridge/event"
)

// ModuleName is the import module guests link against.
const ModuleName = "carrier"

// Status codes returned by listen, release, and by the length-returning
// calls when they cannot run.
const (
	StatusOK         int32 = 0
	StatusBadChannel int32 = -1
	StatusBadMemory  int32 = -2
	StatusFailed     int32 = -3
)

// Host adapts one bridge to the carrier import module.
type Host struct {
	b         *bridge.Bridge
	listeners map[event.Channel]*event.Listener
	staged    []byte
	mu        sync.Mutex
}

func New(b *bridge.Bridge) *Host {
	return &Host{b: b, listeners: make(map[event.Channel]*event.Listener)}
}

// Instantiate defines the carrier module in r.
func (h *Host) Instantiate(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	return h.builder(r).Instantiate(ctx)
}

func (h *Host) builder(r wazero.Runtime) wazero.HostModuleBuilder {
	i32 := api.ValueTypeI32
	return r.NewHostModuleBuilder(ModuleName).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.exec), []api.ValueType{i32, i32, i32, i32, i32, i32}, []api.ValueType{i32}).
		Export("exec").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.listen), []api.ValueType{i32}, []api.ValueType{i32}).
		Export("listen").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.poll), []api.ValueType{i32, i32, i32}, []api.ValueType{i32}).
		Export("poll").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.release), []api.ValueType{i32}, []api.ValueType{i32}).
		Export("release").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.result), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		Export("result")
}

// Close detaches every listener the guest attached.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch, l := range h.listeners {
		l.Close()
		delete(h.listeners, ch)
	}
	h.staged = nil
}

type response struct {
	Result any        `json:"result"`
	Error  *wireError `json:"error,omitempty"`
}

type wireError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Action  string   `json:"action,omitempty"`
	Path    []string `json:"path,omitempty"`
}

func errorResponse(err error) response {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return response{Error: &wireError{Code: e.Code(), Message: e.Error(), Action: e.Action, Path: e.Path}}
	}
	return response{Error: &wireError{Code: "failed", Message: err.Error()}}
}

func (h *Host) exec(ctx context.Context, mod api.Module, stack []uint64) {
	name, ok := read(mod, stack[0], stack[1])
	if !ok {
		stack[0] = api.EncodeI32(StatusBadMemory)
		return
	}
	raw, ok := read(mod, stack[2], stack[3])
	if !ok {
		stack[0] = api.EncodeI32(StatusBadMemory)
		return
	}
	out := h.run(ctx, string(name), raw)
	stack[0] = api.EncodeI32(h.deliver(mod, out, stack[4], stack[5]))
}

func (h *Host) run(ctx context.Context, name string, raw []byte) []byte {
	var args []any
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&args); err != nil {
			e := errors.MalformedRequest(name, "arguments are not a JSON array")
			e.Cause = err
			return encode(name, errorResponse(e))
		}
	}

	res, err := h.b.Exec(ctx, name, args)
	if err != nil {
		return encode(name, errorResponse(err))
	}
	return encode(name, response{Result: res})
}

func encode(action string, v any) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		Logger().Error("encode response", zap.String("action", action), zap.Error(err))
		out, _ = json.Marshal(errorResponse(errors.NativeFailed(action, fmt.Errorf("encode result: %w", err))))
	}
	return out
}

func (h *Host) listen(_ context.Context, _ api.Module, stack []uint64) {
	ch := event.Channel(api.DecodeI32(stack[0]))
	if !ch.Valid() {
		stack[0] = api.EncodeI32(StatusBadChannel)
		return
	}
	l, err := h.b.Listen(ch)
	if err != nil {
		Logger().Debug("guest listen failed", zap.Stringer("channel", ch), zap.Error(err))
		stack[0] = api.EncodeI32(StatusFailed)
		return
	}

	h.mu.Lock()
	h.listeners[ch] = l
	h.mu.Unlock()
	stack[0] = api.EncodeI32(StatusOK)
}

func (h *Host) poll(_ context.Context, mod api.Module, stack []uint64) {
	ch := event.Channel(api.DecodeI32(stack[0]))
	h.mu.Lock()
	l := h.listeners[ch]
	h.mu.Unlock()
	if l == nil {
		stack[0] = api.EncodeI32(StatusBadChannel)
		return
	}

	ev, ok, err := l.TryNext()
	switch {
	case err != nil:
		stack[0] = api.EncodeI32(StatusFailed)
	case !ok:
		stack[0] = api.EncodeI32(0)
	default:
		out := encode(ev.Name, ev.Fields())
		stack[0] = api.EncodeI32(h.deliver(mod, out, stack[1], stack[2]))
	}
}

func (h *Host) release(_ context.Context, _ api.Module, stack []uint64) {
	ch := event.Channel(api.DecodeI32(stack[0]))
	h.mu.Lock()
	l := h.listeners[ch]
	delete(h.listeners, ch)
	h.mu.Unlock()
	if l == nil {
		stack[0] = api.EncodeI32(StatusBadChannel)
		return
	}
	l.Close()
	stack[0] = api.EncodeI32(StatusOK)
}

func (h *Host) result(_ context.Context, mod api.Module, stack []uint64) {
	h.mu.Lock()
	out := h.staged
	h.mu.Unlock()
	if len(out) > int(api.DecodeU32(stack[1])) {
		stack[0] = api.EncodeI32(int32(len(out)))
		return
	}
	if !write(mod, stack[0], out) {
		stack[0] = api.EncodeI32(StatusBadMemory)
		return
	}
	stack[0] = api.EncodeI32(int32(len(out)))
}

// deliver stages out and copies it to the guest if it fits in size bytes.
func (h *Host) deliver(mod api.Module, out []byte, ptr, size uint64) int32 {
	h.mu.Lock()
	h.staged = out
	h.mu.Unlock()
	if len(out) <= int(api.DecodeU32(size)) && !write(mod, ptr, out) {
		return StatusBadMemory
	}
	return int32(len(out))
}

func read(mod api.Module, ptr, n uint64) ([]byte, bool) {
	mem := mod.Memory()
	if mem == nil {
		return nil, false
	}
	buf, ok := mem.Read(api.DecodeU32(ptr), api.DecodeU32(n))
	if !ok {
		return nil, false
	}
	return bytes.Clone(buf), true
}

func write(mod api.Module, ptr uint64, data []byte) bool {
	mem := mod.Memory()
	if mem == nil {
		return false
	}
	return mem.Write(api.DecodeU32(ptr), data)
}
