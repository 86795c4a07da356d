package subprocess

import (
	"bufio"
	"context"
	stderrors "errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func newProcess(t *testing.T, mode string) *Process {
	t.Helper()

	options := mockchild.Options(mode).WithDefaults()

	return New(options.Logger, &options)
}

func TestProcess_CatEchoesLines(t *testing.T) {
	p := newProcess(t, "cat")
	require.NoError(t, p.Start(t.Context()))

	require.NotZero(t, p.Pid())
	require.NotEmpty(t, p.ID())
	require.True(t, p.Alive())

	require.NoError(t, p.WriteLine(t.Context(), []byte(`{"a":1}`)))
	require.NoError(t, p.WriteLine(t.Context(), []byte("{\"b\":2}\n")))

	scanner := bufio.NewScanner(p.Stdout())
	require.True(t, scanner.Scan())
	require.Equal(t, `{"a":1}`, scanner.Text())
	require.True(t, scanner.Scan())
	require.Equal(t, `{"b":2}`, scanner.Text())

	require.NoError(t, p.CloseStdin())
	require.False(t, scanner.Scan())

	require.NoError(t, p.Wait())
	require.False(t, p.Alive())
	require.Equal(t, 0, p.ExitCode())
}

func TestProcess_ConcurrentWritesDoNotInterleave(t *testing.T) {
	p := newProcess(t, "cat")
	require.NoError(t, p.Start(t.Context()))

	const writers = 20

	const perWriter = 50

	var wg sync.WaitGroup

	for range writers {
		wg.Go(func() {
			for range perWriter {
				assert.NoError(t, p.WriteLine(context.Background(), []byte(`{"payload":"0123456789abcdef"}`)))
			}
		})
	}

	lines := make(chan string, writers*perWriter)

	go func() {
		scanner := bufio.NewScanner(p.Stdout())
		for scanner.Scan() {
			lines <- scanner.Text()
		}

		close(lines)
	}()

	wg.Wait()
	require.NoError(t, p.CloseStdin())

	count := 0
	for line := range lines {
		require.Equal(t, `{"payload":"0123456789abcdef"}`, line)

		count++
	}

	require.Equal(t, writers*perWriter, count)
	require.NoError(t, p.Wait())
}

func TestProcess_FailFastCapturesStderr(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)

	options := mockchild.Options("fail-fast")
	options.Stderr = func(line string) {
		mu.Lock()
		defer mu.Unlock()

		lines = append(lines, line)
	}
	options = options.WithDefaults()

	p := New(options.Logger, &options)
	require.NoError(t, p.Start(t.Context()))

	_, _ = bufio.NewReader(p.Stdout()).ReadByte()

	err := p.Wait()
	require.Error(t, err)
	require.Equal(t, 3, p.ExitCode())
	require.Contains(t, p.Stderr(), "refusing to start")

	mu.Lock()
	defer mu.Unlock()

	require.Equal(t, []string{"mock child refusing to start"}, lines)
}

func TestProcess_StartUnknownCommand(t *testing.T) {
	options := config.Options{Command: "definitely-not-a-real-mcp-server-binary"}.WithDefaults()
	p := New(options.Logger, &options)

	err := p.Start(t.Context())
	require.Error(t, err)

	startErr, ok := stderrors.AsType[*errors.StartupError](err)
	require.True(t, ok)
	require.Equal(t, "definitely-not-a-real-mcp-server-binary", startErr.Command)

	_, ok = stderrors.AsType[*errors.CommandNotFoundError](err)
	require.True(t, ok)
}

func TestProcess_WriteBeforeStart(t *testing.T) {
	p := newProcess(t, "cat")

	err := p.WriteLine(t.Context(), []byte("{}"))
	require.ErrorIs(t, err, errors.ErrProcessNotStarted)
	require.ErrorIs(t, p.Wait(), errors.ErrProcessNotStarted)
}

func TestProcess_WriteAfterCloseStdin(t *testing.T) {
	p := newProcess(t, "cat")
	require.NoError(t, p.Start(t.Context()))
	require.NoError(t, p.CloseStdin())

	_, err := p.Write([]byte("x"))
	require.ErrorIs(t, err, errors.ErrStdinClosed)

	_ = p.Stop(time.Second)
}

func TestProcess_StopWaitsForCleanExit(t *testing.T) {
	p := newProcess(t, "")
	require.NoError(t, p.Start(t.Context()))

	// The JSON-RPC loop exits on stdin EOF, well inside the grace period.
	start := time.Now()
	require.NoError(t, p.Stop(5*time.Second))
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, 0, p.ExitCode())
}

func TestProcess_StopKillsAfterGrace(t *testing.T) {
	p := newProcess(t, "stubborn")
	require.NoError(t, p.Start(t.Context()))

	start := time.Now()
	require.Error(t, p.Stop(200*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	require.Equal(t, -1, p.ExitCode())

	select {
	case <-p.Done():
	default:
		t.Fatal("process not reaped after Stop")
	}
}

func TestProcess_KillBeforeStartIsNoop(t *testing.T) {
	p := newProcess(t, "cat")
	require.NoError(t, p.Kill())
	require.False(t, p.Alive())
}

func TestProcess_StalledWriteDoesNotBlockControl(t *testing.T) {
	p := newProcess(t, "stubborn")
	require.NoError(t, p.Start(t.Context()))

	writeErr := make(chan error, 1)

	go func() {
		// Larger than the pipe buffer; the child never reads it.
		_, err := p.Write(make([]byte, 1<<20))
		writeErr <- err
	}()

	time.Sleep(100 * time.Millisecond)

	// A second writer gives up on its own deadline while the first is stuck.
	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, p.WriteLine(ctx, []byte(`{"late":true}`)), context.DeadlineExceeded)

	control := make(chan struct{})

	go func() {
		defer close(control)

		assert.NotZero(t, p.Pid())
		assert.NoError(t, p.CloseStdin())
	}()

	select {
	case <-control:
	case <-time.After(2 * time.Second):
		t.Fatal("Pid/CloseStdin blocked behind a stalled write")
	}

	select {
	case err := <-writeErr:
		require.ErrorIs(t, err, errors.ErrStdinClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("stalled write was not released by CloseStdin")
	}

	_ = p.Stop(100 * time.Millisecond)
	require.Equal(t, -1, p.ExitCode())
}
