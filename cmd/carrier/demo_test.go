package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/carrier-bridge/config"
)

func TestDemo(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	var out bytes.Buffer
	d := newDemo(cfg, &out)
	defer d.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.run(ctx))

	text := out.String()
	for _, want := range []string{
		"onFriendRequest",
		"onFriendMessage",
		`invite reply status=0 data="sure"`,
		"onStreamData",
		"done,",
	} {
		assert.Contains(t, text, want)
	}

	snapshot := renderStatic(d)
	assert.True(t, strings.HasPrefix(snapshot, "channel"))
	assert.Contains(t, snapshot, "node=0")
}

func TestBridgeOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Bridge.CorrelationTimeout = time.Minute

	opts := bridgeOptions(cfg)
	assert.Equal(t, cfg.DataDir, opts.DataDir)
	assert.Equal(t, time.Minute, opts.CorrelationTimeout)
	assert.Equal(t, cfg.Bridge.Backlog, opts.Backlog)
	assert.True(t, opts.NodeDefaults.UDPEnabled)
}

func TestDemo_NodeOptions(t *testing.T) {
	cfg := config.Default()
	d := newDemo(cfg, &bytes.Buffer{})
	defer d.close()

	a := d.nodeOptions("alice")
	assert.Equal(t, cfg.DataDir+"/alice", a.PersistentLocation)
	assert.True(t, a.UDPEnabled)
}
