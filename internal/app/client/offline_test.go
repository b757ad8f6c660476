package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"crmsync/internal/utils/logger"
)

// leakOptions ignores goroutines owned by resources that t.Cleanup closes.
var leakOptions = []goleak.Option{
	goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
}

type checkerFunc func(ctx context.Context) error

func (f checkerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestOfflineManager_Check(t *testing.T) {
	var down atomic.Bool
	m := NewOfflineManager(checkerFunc(func(context.Context) error {
		if down.Load() {
			return errors.New("connection refused")
		}
		return nil
	}), time.Second, logger.Discard())

	assert.True(t, m.IsOnline())
	assert.True(t, m.Check(context.Background()))
	select {
	case <-m.Reconnected():
		t.Fatal("no reconnect without an outage")
	default:
	}

	down.Store(true)
	assert.False(t, m.Check(context.Background()))
	assert.False(t, m.IsOnline())

	down.Store(false)
	assert.True(t, m.Check(context.Background()))
	assert.True(t, m.IsOnline())
	select {
	case <-m.Reconnected():
	default:
		t.Fatal("expected a reconnect event")
	}
}

func TestOfflineManager_MarkOffline(t *testing.T) {
	m := NewOfflineManager(checkerFunc(func(context.Context) error { return nil }), time.Second, logger.Discard())

	m.MarkOffline()
	m.MarkOffline()
	assert.False(t, m.IsOnline())

	// repeated recoveries collapse into one pending event
	m.Check(context.Background())
	m.MarkOffline()
	m.Check(context.Background())
	assert.Len(t, m.Reconnected(), 1)
}

func TestOfflineManager_Run(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	var probes atomic.Int32
	m := NewOfflineManager(checkerFunc(func(context.Context) error {
		probes.Add(1)
		return nil
	}), 10*time.Millisecond, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return probes.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
