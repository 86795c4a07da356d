package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/wagiedev/mcpbridge/internal/config"
	"github.com/wagiedev/mcpbridge/internal/errors"
	"github.com/wagiedev/mcpbridge/internal/testutil/mockchild"
)

func TestMain(m *testing.M) {
	if mockchild.Active() {
		os.Exit(mockchild.Main())
	}

	os.Exit(m.Run())
}

func newSupervisor(t *testing.T, mode string) *Supervisor {
	t.Helper()

	s := New(slog.Default(), mockchild.Options(mode))
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	return s
}

func waitPending(t *testing.T, h *Handle, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return h.Pending() == n
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSupervisor_StatusNeverSpawns(t *testing.T) {
	s := newSupervisor(t, "")

	status := s.Status()
	require.False(t, status.Running)
	require.Zero(t, status.Spawned)
	require.Nil(t, status.StartedAt)
}

func TestSupervisor_AcquireSharedReusesProcess(t *testing.T) {
	s := newSupervisor(t, "")

	h1, err := s.AcquireShared(t.Context())
	require.NoError(t, err)
	require.Equal(t, HandleShared, h1.Kind())

	h2, err := s.AcquireShared(t.Context())
	require.NoError(t, err)
	require.Same(t, h1, h2)

	resp, err := h1.Call(t.Context(), "echo", json.RawMessage(`{"hello":"world"}`), 0)
	require.NoError(t, err)
	require.JSONEq(t, `{"echo":{"hello":"world"}}`, string(resp.Result))

	status := s.Status()
	require.True(t, status.Running)
	require.Equal(t, h1.ProcessID(), status.ProcessID)
	require.Equal(t, h1.Pid(), status.Pid)
	require.Equal(t, int64(1), status.Spawned)
	require.Equal(t, int64(1), status.Resolved)
}

func TestSupervisor_ConcurrentCallsNoCrossTalk(t *testing.T) {
	s := newSupervisor(t, "")

	h, err := s.AcquireShared(t.Context())
	require.NoError(t, err)

	const calls = 150

	var g errgroup.Group

	for i := range calls {
		g.Go(func() error {
			params := json.RawMessage(fmt.Sprintf(`{"ms":%d,"tag":%d}`, (calls-i)%13*3, i))

			resp, err := h.Call(context.Background(), "sleep", params, 10*time.Second)
			if err != nil {
				return err
			}

			var result struct {
				Tag int `json:"tag"`
			}
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				return err
			}

			if result.Tag != i {
				return fmt.Errorf("call %d received tag %d", i, result.Tag)
			}

			return nil
		})
	}

	require.NoError(t, g.Wait())
	require.Zero(t, h.Pending())
}

func TestSupervisor_CrashFailsOutstandingCalls(t *testing.T) {
	s := newSupervisor(t, "")

	h, err := s.AcquireShared(t.Context())
	require.NoError(t, err)

	// One successful round trip so the exit is not treated as a startup failure.
	_, err = h.Call(t.Context(), "ping", nil, 0)
	require.NoError(t, err)

	exitCh := make(chan error, 1)
	s.OnExit(h, func(err error) { exitCh <- err })

	const outstanding = 8

	var g errgroup.Group

	for range outstanding {
		g.Go(func() error {
			_, err := h.Call(context.Background(), "hang", nil, time.Minute)

			lost, ok := stderrors.AsType[*errors.ProcessLostError](err)
			if !ok {
				return fmt.Errorf("expected ProcessLostError, got %v", err)
			}

			if lost.ExitCode != 2 {
				return fmt.Errorf("unexpected exit code %d", lost.ExitCode)
			}

			return nil
		})
	}

	waitPending(t, h, outstanding)

	_, err = h.Call(t.Context(), "crash", nil, 0)
	lost, ok := stderrors.AsType[*errors.ProcessLostError](err)
	require.True(t, ok, "expected ProcessLostError, got %v", err)
	require.Contains(t, lost.Stderr, "crashing")

	require.NoError(t, g.Wait())

	select {
	case err := <-exitCh:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("exit callback did not run")
	}

	// A late registration runs immediately.
	ran := false
	s.OnExit(h, func(error) { ran = true })
	require.True(t, ran)

	// The next acquisition respawns lazily.
	h2, err := s.AcquireShared(t.Context())
	require.NoError(t, err)
	require.NotEqual(t, h.ProcessID(), h2.ProcessID())

	_, err = h2.Call(t.Context(), "ping", nil, 0)
	require.NoError(t, err)
	require.Equal(t, int64(2), s.Status().Spawned)
}

func TestSupervisor_ExitBeforeFirstResponseIsStartupError(t *testing.T) {
	s := newSupervisor(t, "fail-fast")

	h, err := s.AcquireShared(t.Context())
	require.NoError(t, err)

	_, err = h.Call(t.Context(), "ping", nil, 0)

	startErr, ok := stderrors.AsType[*errors.StartupError](err)
	require.True(t, ok, "expected StartupError, got %v", err)
	require.Equal(t, os.Args[0], startErr.Command)

	lost, ok := stderrors.AsType[*errors.ProcessLostError](err)
	require.True(t, ok)
	require.Equal(t, 3, lost.ExitCode)
	require.Contains(t, lost.Stderr, "refusing to start")
}

func TestSupervisor_SpawnFailure(t *testing.T) {
	s := New(slog.Default(), config.Options{Command: "no-such-mcp-server-anywhere"})
	defer s.Close()

	_, err := s.AcquireShared(t.Context())

	_, ok := stderrors.AsType[*errors.StartupError](err)
	require.True(t, ok, "expected StartupError, got %v", err)

	_, err = s.AcquireDedicated(t.Context())

	_, ok = stderrors.AsType[*errors.StartupError](err)
	require.True(t, ok, "expected StartupError, got %v", err)
}

func TestSupervisor_TimeoutLeavesProcessUsable(t *testing.T) {
	s := newSupervisor(t, "")

	h, err := s.AcquireShared(t.Context())
	require.NoError(t, err)

	_, err = h.Call(t.Context(), "hang", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, errors.ErrCallTimeout)
	require.Zero(t, h.Pending())

	resp, err := h.Call(t.Context(), "echo", json.RawMessage(`1`), 0)
	require.NoError(t, err)
	require.JSONEq(t, `{"echo":1}`, string(resp.Result))
}

func TestSupervisor_TimeoutWhileChildStopsReading(t *testing.T) {
	s := newSupervisor(t, "stubborn")

	h, err := s.AcquireShared(t.Context())
	require.NoError(t, err)

	// Larger than the stdin pipe buffer, so the write itself never finishes.
	big, err := json.Marshal(strings.Repeat("x", 1<<20))
	require.NoError(t, err)

	start := time.Now()
	_, err = h.Call(context.Background(), "echo", big, 200*time.Millisecond)
	require.ErrorIs(t, err, errors.ErrCallTimeout)
	require.Less(t, time.Since(start), 2*time.Second)

	// Later callers queue behind the stuck write but still get their timeout.
	start = time.Now()
	_, err = h.Call(context.Background(), "ping", nil, 200*time.Millisecond)
	require.ErrorIs(t, err, errors.ErrCallTimeout)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Zero(t, h.Pending())

	statusDone := make(chan Status, 1)

	go func() { statusDone <- s.Status() }()

	select {
	case status := <-statusDone:
		require.True(t, status.Running)
	case <-time.After(2 * time.Second):
		t.Fatal("Status blocked behind a stalled stdin write")
	}

	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()

	fresh, err := s.Restart(ctx)
	require.NoError(t, err)
	require.NotEqual(t, h.ProcessID(), fresh.ProcessID())

	<-h.Done()
}

func TestSupervisor_LateResponseMeansStarted(t *testing.T) {
	s := newSupervisor(t, "")

	h, err := s.AcquireShared(t.Context())
	require.NoError(t, err)

	_, err = h.Call(t.Context(), "sleep", json.RawMessage(`{"ms":300,"tag":"late"}`), 50*time.Millisecond)
	require.ErrorIs(t, err, errors.ErrCallTimeout)

	require.Eventually(t, func() bool {
		return s.Status().Pump.Responses == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err = h.Call(t.Context(), "crash", nil, 0)

	_, isStartup := stderrors.AsType[*errors.StartupError](err)
	require.False(t, isStartup, "child that answered must not report a startup failure: %v", err)

	lost, ok := stderrors.AsType[*errors.ProcessLostError](err)
	require.True(t, ok, "expected ProcessLostError, got %v", err)
	require.Equal(t, 2, lost.ExitCode)
}

func TestSupervisor_ExplicitChildError(t *testing.T) {
	s := newSupervisor(t, "")

	h, err := s.AcquireShared(t.Context())
	require.NoError(t, err)

	resp, err := h.Call(t.Context(), "does/not/exist", nil, 0)
	require.NoError(t, err)

	rpcErr, ok := stderrors.AsType[*errors.RPCError](resp.Err())
	require.True(t, ok)
	require.Equal(t, -32601, rpcErr.Code)
}

func TestSupervisor_ChildRequestsAreRejected(t *testing.T) {
	s := newSupervisor(t, "")

	h, err := s.AcquireShared(t.Context())
	require.NoError(t, err)

	resp, err := h.Call(t.Context(), "ask", nil, 0)
	require.NoError(t, err)
	require.JSONEq(t, `{"answered":-32601}`, string(resp.Result))
}

func TestSupervisor_MalformedOutputTolerated(t *testing.T) {
	s := newSupervisor(t, "banner")

	h, err := s.AcquireShared(t.Context())
	require.NoError(t, err)

	resp, err := h.Call(t.Context(), "garbage", nil, 0)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(resp.Result))

	require.Equal(t, int64(2), s.Status().Pump.Malformed)
}

func TestSupervisor_DuplicateResponseDropped(t *testing.T) {
	s := newSupervisor(t, "")

	h, err := s.AcquireShared(t.Context())
	require.NoError(t, err)

	resp, err := h.Call(t.Context(), "dup", nil, 0)
	require.NoError(t, err)
	require.JSONEq(t, `{"copy":1}`, string(resp.Result))

	require.Eventually(t, func() bool {
		return s.Status().Pump.Unmatched == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSupervisor_Notifications(t *testing.T) {
	s := newSupervisor(t, "")

	h, err := s.AcquireShared(t.Context())
	require.NoError(t, err)

	ch, cancel, err := h.Subscribe(0)
	require.NoError(t, err)

	defer cancel()

	_, err = h.Call(t.Context(), "notify", json.RawMessage(`{"level":"info"}`), 0)
	require.NoError(t, err)

	select {
	case msg := <-ch:
		require.Equal(t, "notifications/message", msg.Method)
		require.JSONEq(t, `{"level":"info"}`, string(msg.Params))
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
	}
}

func TestSupervisor_Restart(t *testing.T) {
	s := newSupervisor(t, "")

	old, err := s.AcquireShared(t.Context())
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		_, err := old.Call(context.Background(), "hang", nil, time.Minute)
		done <- err
	}()

	waitPending(t, old, 1)

	fresh, err := s.Restart(t.Context())
	require.NoError(t, err)
	require.NotEqual(t, old.ProcessID(), fresh.ProcessID())

	err = <-done
	require.ErrorIs(t, err, errRestarted)

	_, ok := stderrors.AsType[*errors.ProcessLostError](err)
	require.True(t, ok)

	_, err = fresh.Call(t.Context(), "ping", nil, 0)
	require.NoError(t, err)

	current, err := s.AcquireShared(t.Context())
	require.NoError(t, err)
	require.Same(t, fresh, current)
	require.Equal(t, int64(1), s.Status().Restarts)

	<-old.Done()
	require.ErrorIs(t, old.Err(), errRestarted)
}

func TestSupervisor_Dedicated(t *testing.T) {
	s := newSupervisor(t, "cat")

	h, err := s.AcquireDedicated(t.Context())
	require.NoError(t, err)
	require.Equal(t, HandleDedicated, h.Kind())
	require.Equal(t, 1, s.Status().Dedicated)

	_, err = h.Call(t.Context(), "ping", nil, 0)
	require.ErrorIs(t, err, errors.ErrNotShared)

	_, _, err = h.Subscribe(0)
	require.ErrorIs(t, err, errors.ErrNotShared)

	_, err = h.Stdin().Write([]byte("raw bytes, no framing\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(h.Stdout()).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "raw bytes, no framing\n", line)

	other, err := s.AcquireDedicated(t.Context())
	require.NoError(t, err)
	require.NotEqual(t, h.ProcessID(), other.ProcessID())

	exited := make(chan struct{})
	s.OnExit(h, func(error) { close(exited) })

	s.Release(h)
	s.Release(other)

	<-exited
	<-h.Done()
	require.Equal(t, 0, s.Status().Dedicated)
}

func TestSupervisor_Close(t *testing.T) {
	s := New(slog.Default(), mockchild.Options(""))

	h, err := s.AcquireShared(t.Context())
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		_, err := h.Call(context.Background(), "hang", nil, time.Minute)
		done <- err
	}()

	waitPending(t, h, 1)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.ErrorIs(t, <-done, errors.ErrSupervisorClosed)

	_, err = s.AcquireShared(t.Context())
	require.ErrorIs(t, err, errors.ErrSupervisorClosed)

	_, err = s.AcquireDedicated(t.Context())
	require.ErrorIs(t, err, errors.ErrSupervisorClosed)

	_, err = s.Restart(t.Context())
	require.ErrorIs(t, err, errors.ErrSupervisorClosed)

	<-h.Done()
	require.True(t, s.Status().Closed)
}
