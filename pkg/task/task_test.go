package task

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetrun/pkg/wire"
)

// fakeWorker is a minimal Permitter for loopback tests: one permit, no
// real capacity accounting beyond what the semaphore-free test needs.
type fakeWorker struct {
	addr     string
	acquired chan struct{}
	released chan struct{}
	forgot   chan *Task
}

func newFakeWorker(addr string) *fakeWorker {
	return &fakeWorker{
		addr:     addr,
		acquired: make(chan struct{}, 1),
		released: make(chan struct{}, 1),
		forgot:   make(chan *Task, 1),
	}
}

func (f *fakeWorker) Acquire(ctx context.Context) error { f.acquired <- struct{}{}; return nil }
func (f *fakeWorker) Release()                          { f.released <- struct{}{} }
func (f *fakeWorker) AgentAddr() string                 { return f.addr }
func (f *fakeWorker) Forget(t *Task)                    { f.forgot <- t }

// writeFrame and readFrame implement the wire format directly for the fake
// agent server, without depending on pkg/port.
func writeFrame(conn net.Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := conn.Write(header); err != nil {
		return err
	}
	_, err = conn.Write(payload)
	return err
}

func readFrame(conn net.Conn, out any) error {
	header := make([]byte, 4)
	if _, err := readFull(conn, header); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(header)
	payload := make([]byte, length)
	if _, err := readFull(conn, payload); err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// startFakeAgent runs a minimal one-shot agent loop: handshake with a uuid,
// read one request, and respond with whatever respond returns for it.
func startFakeAgent(t *testing.T, respond func(req wire.Request) any) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if err := writeFrame(conn, "fake-uuid"); err != nil {
			return
		}
		var req wire.Request
		if err := readFrame(conn, &req); err != nil {
			return
		}
		_ = writeFrame(conn, respond(req))
	}()

	return ln.Addr().String()
}

func TestTaskSuccessfulRoundTrip(t *testing.T) {
	addr := startFakeAgent(t, func(req wire.Request) any {
		return req.Kwargs["x"]
	})

	tk := New("math:identity", map[string]any{"x": 42.0})
	w := newFakeWorker(addr)
	tk.AssignTo(context.Background(), w)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := tk.Join(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42.0, result)
	assert.Equal(t, Succeed, tk.State())
}

func TestTaskRemoteFailureBecomesTaskError(t *testing.T) {
	addr := startFakeAgent(t, func(req wire.Request) any {
		return wire.NewCaughtFailure("ValueError: boom", "Traceback...\nValueError: boom")
	})

	tk := New("math:bad", nil)
	w := newFakeWorker(addr)
	tk.AssignTo(context.Background(), w)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := tk.Join(ctx)
	require.Error(t, err)

	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Contains(t, taskErr.ExceptionRepr, "boom")
	assert.Equal(t, Failed, tk.State())
}

func TestTaskUnreachableWorkerFails(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises the full connect-retry budget, slow under -short")
	}

	tk := New("math:identity", nil)
	w := newFakeWorker("127.0.0.1:1") // reserved port, connection refused
	tk.AssignTo(context.Background(), w)

	// Task.connectWithHandshake retries the full port.DefaultConnectRetry
	// budget (10 attempts, 1s apart) before giving up.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, err := tk.Join(ctx)
	assert.Error(t, err)
	assert.Equal(t, Failed, tk.State())

	// a task that never reaches Running must still be removed from the
	// worker's task set, or it permanently inflates utilization.
	select {
	case forgotten := <-w.forgot:
		assert.Same(t, tk, forgotten)
	case <-time.After(time.Second):
		t.Fatal("worker.Forget was never called for a connect-failed task")
	}
}

func TestIsAdminDetection(t *testing.T) {
	assert.True(t, New("_adm_hello", nil).IsAdmin())
	assert.False(t, New("mymodule:myfunc", nil).IsAdmin())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "waiting", Waiting.String())
	assert.Equal(t, "succeed", Succeed.String())
}
