package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/carrier-bridge/bridge"
	"github.com/wippyai/carrier-bridge/client"
	"github.com/wippyai/carrier-bridge/config"
	"github.com/wippyai/carrier-bridge/event"
	"github.com/wippyai/carrier-bridge/native"
	"github.com/wippyai/carrier-bridge/native/memsdk"
)

func newDemoCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run two in-memory nodes through friends, invites and a session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			d := newDemo(cfg, cmd.OutOrStdout())
			defer d.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return d.run(ctx)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Give up if the demo has not finished")
	return cmd
}

// demo wires a memsdk network, a bridge and a client together.
type demo struct {
	sdk   *memsdk.SDK
	b     *bridge.Bridge
	c     *client.Client
	cfg   config.Config
	trace *trace
}

func newDemo(cfg config.Config, out io.Writer) *demo {
	sdk := memsdk.New()
	b := bridge.New(sdk, bridgeOptions(cfg))
	return &demo{
		sdk:   sdk,
		b:     b,
		c:     client.New(b),
		cfg:   cfg,
		trace: newTrace(out),
	}
}

func (d *demo) close() {
	_ = d.c.Close()
	_ = d.b.Close()
	d.sdk.Network().Close()
}

func (d *demo) nodeOptions(name string) native.Options {
	opts := d.cfg.Node
	opts.Bootstraps = slices.Clone(opts.Bootstraps)
	opts.ExpressNodes = slices.Clone(opts.ExpressNodes)
	opts.PersistentLocation = filepath.Join(d.cfg.DataDir, name)
	return opts
}

var demoNodeEvents = []string{
	"onConnection", "onReady", "onFriendRequest", "onFriendAdded", "onFriendConnection",
	"onFriendMessage", "onFriendInviteRequest", "onSessionRequest",
}

func (d *demo) run(ctx context.Context) error {
	if err := d.c.Start(ctx); err != nil {
		return err
	}

	names := []string{"alice", "bob"}
	nodes := make([]*client.Node, len(names))
	g, _ := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			n, err := d.c.CreateNode(d.nodeOptions(name), d.trace.on(name, demoNodeEvents...))
			if err != nil {
				return fmt.Errorf("create %s: %w", name, err)
			}
			nodes[i] = n
			return n.Start(d.cfg.Bridge.IterateInterval)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	alice, bob := nodes[0], nodes[1]
	if err := d.trace.wait(ctx, "alice.onReady", "bob.onReady"); err != nil {
		return err
	}

	if err := alice.AddFriend(bob.Address(), "hello bob"); err != nil {
		return err
	}
	if err := d.trace.wait(ctx, "bob.onFriendRequest"); err != nil {
		return err
	}
	if err := bob.AcceptFriend(alice.UserID()); err != nil {
		return err
	}
	if err := d.trace.wait(ctx, "alice.onFriendAdded"); err != nil {
		return err
	}

	if _, err := alice.SendFriendMessage(bob.UserID(), []byte("hi from alice")); err != nil {
		return err
	}
	if err := d.trace.wait(ctx, "bob.onFriendMessage"); err != nil {
		return err
	}

	err := alice.InviteFriend(bob.UserID(), "play?", func(r client.InviteReply) {
		d.trace.printf("alice", "invite reply status=%d data=%q", r.Status, r.Data)
		d.trace.signal("alice.inviteReply")
	})
	if err != nil {
		return err
	}
	if err := d.trace.wait(ctx, "bob.onFriendInviteRequest"); err != nil {
		return err
	}
	if err := bob.ReplyFriendInvite(alice.UserID(), 0, "", "sure"); err != nil {
		return err
	}
	if err := d.trace.wait(ctx, "alice.inviteReply"); err != nil {
		return err
	}

	if err := d.session(ctx, alice, bob); err != nil {
		return err
	}

	for _, n := range nodes {
		if err := n.Destroy(); err != nil {
			return err
		}
	}
	d.trace.printf("demo", "done, %d events dropped", d.c.Dropped())
	return nil
}

func (d *demo) session(ctx context.Context, alice, bob *client.Node) error {
	sa, err := alice.NewSession(bob.UserID(), d.trace.on("alice.session", "onStateChanged"))
	if err != nil {
		return err
	}
	sta, err := sa.AddStream(native.StreamApplication, native.OptionReliable, d.trace.stream("alice"))
	if err != nil {
		return err
	}

	sdp := make(chan string, 1)
	err = sa.Request(func(r client.RequestReply) {
		d.trace.printf("alice", "session request status=%d", r.Status)
		sdp <- r.SDP
	})
	if err != nil {
		return err
	}
	if err := d.trace.wait(ctx, "bob.onSessionRequest"); err != nil {
		return err
	}

	sb, err := bob.NewSession(alice.UserID(), d.trace.on("bob.session", "onStateChanged"))
	if err != nil {
		return err
	}
	if _, err := sb.AddStream(native.StreamApplication, native.OptionReliable, d.trace.stream("bob")); err != nil {
		return err
	}
	if err := sb.ReplyRequest(0, ""); err != nil {
		return err
	}

	select {
	case s := <-sdp:
		if err := sa.Start(s); err != nil {
			return err
		}
	case <-ctx.Done():
		return fmt.Errorf("waiting for session reply: %w", ctx.Err())
	}
	if err := d.trace.wait(ctx, "alice.stream.connected", "bob.stream.connected"); err != nil {
		return err
	}

	if _, err := sta.Write([]byte("ping")); err != nil {
		return err
	}
	if err := d.trace.wait(ctx, "bob.stream.onStreamData"); err != nil {
		return err
	}
	return sa.Close()
}

// trace prints dispatched events and lets the demo wait for them.
type trace struct {
	out     io.Writer
	signals map[string]chan struct{}
	mu      sync.Mutex
}

func newTrace(out io.Writer) *trace {
	return &trace{out: out, signals: make(map[string]chan struct{})}
}

func (t *trace) printf(who, format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "%-14s %s\n", who, fmt.Sprintf(format, args...))
}

func (t *trace) print(who string, ev event.Event) {
	if len(ev.Payload) == 0 {
		t.printf(who, "%s", ev.Name)
		return
	}
	t.printf(who, "%s %v", ev.Name, ev.Payload)
}

func (t *trace) slot(key string) chan struct{} {
	ch, ok := t.signals[key]
	if !ok {
		ch = make(chan struct{})
		t.signals[key] = ch
	}
	return ch
}

func (t *trace) signal(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := t.slot(key)
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (t *trace) wait(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		t.mu.Lock()
		ch := t.slot(key)
		t.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", key, ctx.Err())
		}
	}
	return nil
}

func (t *trace) on(who string, names ...string) client.Callbacks {
	cbs := make(client.Callbacks, len(names))
	for _, name := range names {
		cbs[name] = func(ev event.Event) {
			t.print(who, ev)
			t.signal(who + "." + ev.Name)
		}
	}
	return cbs
}

func (t *trace) stream(who string) client.Callbacks {
	who += ".stream"
	cbs := t.on(who, "onStreamData")
	cbs["onStateChanged"] = func(ev event.Event) {
		state, _ := ev.Payload["state"].(int)
		t.printf(who, "onStateChanged %s", native.StreamState(state))
		if native.StreamState(state) == native.StreamConnected {
			t.signal(who + ".connected")
		}
	}
	return cbs
}
