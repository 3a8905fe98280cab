package worker

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetrun/pkg/agent"
)

// startLoopbackAgent runs a real Agent on an OS-assigned port and returns
// its dialable address.
func startLoopbackAgent(t *testing.T) string {
	t.Helper()
	a := agent.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addrCh := make(chan string, 1)
	go func() {
		go func() {
			for {
				if addr := a.Addr(); addr != nil {
					addrCh <- addr.String()
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
		_ = a.Serve(ctx, 0)
	}()

	select {
	case addr := <-addrCh:
		return addr
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not bind in time")
		return ""
	}
}

func TestNewDefaultsCapacityToOne(t *testing.T) {
	w := New("127.0.0.1:9", 0)
	assert.Equal(t, int64(1), w.Capacity())
}

func TestUtilizationAndAvailability(t *testing.T) {
	w := New("127.0.0.1:9", 2)
	assert.Equal(t, 0.0, w.Utilization())
	assert.True(t, w.IsAvailable())
}

func TestAcquireReleaseRespectsCapacity(t *testing.T) {
	w := New("127.0.0.1:9", 1)
	ctx := context.Background()

	require.NoError(t, w.Acquire(ctx))

	acquireCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := w.Acquire(acquireCtx)
	assert.Error(t, err, "second acquire on a capacity-1 worker should block until timeout")

	w.Release()
	require.NoError(t, w.Acquire(ctx))
}

func TestSyncTagAdvancesOnlyThroughSyncWithDelta(t *testing.T) {
	w := New("127.0.0.1:9", 1)
	assert.Equal(t, 0, w.SyncTag())
	assert.False(t, w.Syncing())

	w.SetSyncing(true)
	assert.True(t, w.Syncing())
	w.SetSyncing(false)
	assert.Equal(t, 0, w.SyncTag(), "toggling the syncing flag must not advance the sync tag")
}

func TestAdminCallsRoundTripThroughRealAgent(t *testing.T) {
	addr := startLoopbackAgent(t)
	w := New(addr, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := w.CPUCount(ctx)
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	hello, err := w.Hello(ctx)
	require.NoError(t, err)
	assert.Contains(t, hello, "Hello,")

	ids, err := w.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, "_adm_hello")

	// admin calls never touch the capacity semaphore
	assert.Equal(t, 0.0, w.Utilization())
}

func TestDecodeResultBytes(t *testing.T) {
	out, err := decodeResultBytes([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)

	// the JSON codec round-trips []byte payloads as base64 strings, which is
	// what a real admin-call response actually looks like on this path.
	want := []byte{0x1f, 0x8b, 0x00, 0x42, 0xff}
	encoded := base64.StdEncoding.EncodeToString(want)
	out, err = decodeResultBytes(encoded)
	require.NoError(t, err)
	assert.Equal(t, want, out)

	_, err = decodeResultBytes(42)
	assert.Error(t, err)
}
