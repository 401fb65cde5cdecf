package bridge

import (
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/wippyai/carrier-bridge/errors"
	"github.com/wippyai/carrier-bridge/handle"
)

// argReader decodes positional arguments. The first failure sticks; later
// reads return zero values so an action can read everything and check err
// once.
type argReader struct {
	err    error
	action string
	values []any
}

func (r *argReader) fail(i int, detail string, v any) {
	if r.err == nil {
		r.err = errors.MalformedArg(r.action, i, detail, v)
	}
}

func (r *argReader) at(i int) (any, bool) {
	if r.err != nil {
		return nil, false
	}
	if i >= len(r.values) {
		r.fail(i, "missing argument", nil)
		return nil, false
	}
	return r.values[i], true
}

func (r *argReader) str(i int) string {
	v, ok := r.at(i)
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		r.fail(i, fmt.Sprintf("expected string, got %T", v), v)
	}
	return s
}

// optStr accepts a missing or null argument as the empty string.
func (r *argReader) optStr(i int) string {
	if r.err != nil || i >= len(r.values) || r.values[i] == nil {
		return ""
	}
	return r.str(i)
}

func (r *argReader) integer(i int, lo, hi int64) int64 {
	v, ok := r.at(i)
	if !ok {
		return 0
	}

	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint32:
		n = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			r.fail(i, "integer out of range", v)
			return 0
		}
		n = int64(x)
	case float64:
		if x != math.Trunc(x) || x < math.MinInt64 || x >= math.MaxInt64 {
			r.fail(i, "expected integer", v)
			return 0
		}
		n = int64(x)
	case json.Number:
		var err error
		if n, err = x.Int64(); err != nil {
			r.fail(i, "expected integer", v)
			return 0
		}
	default:
		r.fail(i, fmt.Sprintf("expected integer, got %T", v), v)
		return 0
	}

	if n < lo || n > hi {
		r.fail(i, fmt.Sprintf("integer out of range [%d, %d]", lo, hi), v)
		return 0
	}
	return n
}

func (r *argReader) num(i int) int {
	return int(r.integer(i, math.MinInt32, math.MaxInt32))
}

func (r *argReader) u32(i int) uint32 {
	return uint32(r.integer(i, 0, math.MaxUint32))
}

func (r *argReader) u64(i int) uint64 {
	return uint64(r.integer(i, 0, math.MaxInt64))
}

func (r *argReader) ref(i int) handle.Handle {
	return handle.Handle(r.integer(i, 1, math.MaxInt64))
}

// bytes decodes a Base64 text argument.
func (r *argReader) bytes(i int) []byte {
	s := r.str(i)
	if r.err != nil {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		r.fail(i, "expected Base64 text", s)
		return nil
	}
	return data
}

// object accepts a map or a JSON object encoded as text.
func (r *argReader) object(i int) map[string]any {
	v, ok := r.at(i)
	if !ok || v == nil {
		return nil
	}
	switch x := v.(type) {
	case map[string]any:
		return x
	case string:
		if x == "" {
			return nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(x), &m); err != nil {
			r.fail(i, "expected JSON object", x)
			return nil
		}
		return m
	default:
		r.fail(i, fmt.Sprintf("expected object, got %T", v), v)
		return nil
	}
}

// decode re-encodes an object argument into a typed value. A field of the
// wrong type extends the error path with the field's JSON path.
func (r *argReader) decode(i int, m map[string]any, out any) {
	if r.err != nil || m == nil {
		return
	}
	raw, err := json.Marshal(m)
	if err == nil {
		err = json.Unmarshal(raw, out)
	}
	if err == nil {
		return
	}

	path := []string{"args", strconv.Itoa(i)}
	detail := "object does not match the expected shape"
	var typeErr *json.UnmarshalTypeError
	if stderrors.As(err, &typeErr) && typeErr.Field != "" {
		path = append(path, strings.Split(typeErr.Field, ".")...)
		detail = fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value)
	}
	r.err = errors.New(errors.PhaseOperation, errors.KindMalformedRequest).
		Action(r.action).
		Path(path...).
		Detail(detail).
		Value(m).
		Cause(err).
		Build()
}
