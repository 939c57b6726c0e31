package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/hanoiboard/go/internal/instance"
	"github.com/mcdev12/hanoiboard/go/internal/models"
	"github.com/mcdev12/hanoiboard/go/internal/protocol"
)

func TestMemoryRelaySkipsOwnMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMemoryBus()
	a := bus.Relay()
	b := bus.Relay()

	var mu sync.Mutex
	var gotA, gotB []string
	require.NoError(t, a.Subscribe(ctx, func(p []byte) {
		mu.Lock()
		gotA = append(gotA, string(p))
		mu.Unlock()
	}))
	require.NoError(t, b.Subscribe(ctx, func(p []byte) {
		mu.Lock()
		gotB = append(gotB, string(p))
		mu.Unlock()
	}))

	require.NoError(t, a.Publish(ctx, []byte("one")))
	require.NoError(t, a.Publish(ctx, []byte("two")))

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, gotA)
	assert.Equal(t, []string{"one", "two"}, gotB)
}

func TestMemoryRelayClosed(t *testing.T) {
	relay := NewMemoryBus().Relay()
	require.NoError(t, relay.Close())
	assert.ErrorIs(t, relay.Publish(context.Background(), []byte("x")), ErrRelayClosed)
}

func TestBroadcastCrossesProcesses(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	app := instance.NewApp(instance.NewMemoryStore(), clock)
	_, err := app.Bootstrap(context.Background())
	require.NoError(t, err)
	patch := accessPatch(models.AccessEveryone, models.AccessEveryone)
	_, err = app.SetConfig(context.Background(), patch)
	require.NoError(t, err)

	bus := NewMemoryBus()
	first := newHarnessWithApp(t, app, clock, withOptions(WithRelay(bus.Relay())))
	second := newHarnessWithApp(t, app, clock, withOptions(WithRelay(bus.Relay())))

	sender, _ := first.connect()
	local, _ := first.connect()
	remote, _ := second.connect()

	first.send(sender, "!spin")
	assert.Equal(t, []string{"!spin"}, first.drain(sender))
	assert.Equal(t, []string{"!spin"}, first.drain(local))

	var got []string
	require.Eventually(t, func() bool {
		second.sync()
		got = append(got, second.drain(remote)...)
		return len(got) > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"!spin"}, got)

	// relayed messages are not relayed back
	time.Sleep(50 * time.Millisecond)
	first.sync()
	assert.Empty(t, first.drain(sender))
}

func TestSlowConnectionDropped(t *testing.T) {
	cfg := DefaultConnectionConfig()
	cfg.SendBufferSize = 3
	h := newHarness(t, nil, withOptions(WithConnectionConfig(cfg)))

	conn := h.manager.newConnection(nil, nil)
	require.NoError(t, h.manager.Register(h.ctx, conn))
	require.NoError(t, h.manager.Broadcast(h.ctx, protocol.Broadcast{Raw: "!tick"}))
	h.sync()

	stats, err := h.manager.GetConnectionStats(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalConnections)

	// the three initial messages remain readable, then the buffer is closed
	assert.Len(t, h.drain(conn), 3)
	assert.True(t, isClosed(conn))
}
