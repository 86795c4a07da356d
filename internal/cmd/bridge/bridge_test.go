package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wagiedev/mcpbridge/internal/adapter/httpapi"
	"github.com/wagiedev/mcpbridge/internal/supervisor"
	"github.com/wagiedev/mcpbridge/internal/testutil/mockchild"
)

func TestMain(m *testing.M) {
	if mockchild.Active() {
		os.Exit(mockchild.Main())
	}

	os.Exit(m.Run())
}

func listen(t *testing.T) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	return ln
}

func startBridge(t *testing.T, transports ...string) (tcpAddr, httpAddr string, stop func() error) {
	t.Helper()

	cfg := Config{
		Transports:        transports,
		CallTimeout:       5 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
	}

	opts := mockchild.Options("")
	opts.Logger = slog.Default()
	sup := supervisor.New(slog.Default(), opts)

	var tcpLn, httpLn net.Listener

	if cfg.Enabled(TransportTCP) {
		tcpLn = listen(t)
		tcpAddr = tcpLn.Addr().String()
	}

	if cfg.Enabled(TransportHTTP) {
		httpLn = listen(t)
		httpAddr = httpLn.Addr().String()
	}

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)

	go func() {
		errCh <- serve(ctx, cfg, slog.Default(), sup, tcpLn, httpLn)
	}()

	stop = func() error {
		cancel()

		select {
		case err := <-errCh:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("bridge did not stop")

			return nil
		}
	}

	return tcpAddr, httpAddr, stop
}

func waitHealthy(t *testing.T, addr string) map[string]any {
	t.Helper()

	var body map[string]any

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		body = nil

		return resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&body) == nil
	}, 5*time.Second, 20*time.Millisecond)

	return body
}

func TestServe_HTTPAndTCP(t *testing.T) {
	tcpAddr, httpAddr, stop := startBridge(t, TransportTCP, TransportHTTP)

	health := waitHealthy(t, httpAddr)
	require.Equal(t, "healthy", health["status"])
	require.Equal(t, Version, health["version"])

	resp, err := http.Post("http://"+httpAddr+"/mcp/call", "application/json",
		bytes.NewBufferString(`{"jsonrpc":"2.0","id":7,"method":"echo","params":{"x":1}}`))
	require.NoError(t, err)

	var callBody map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&callBody))
	require.NoError(t, resp.Body.Close())

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 7, callBody["id"])
	require.Equal(t, map[string]any{"echo": map[string]any{"x": float64(1)}}, callBody["result"])

	conn, err := net.Dial("tcp", tcpAddr)
	require.NoError(t, err)

	defer conn.Close()

	_, err = io.WriteString(conn, `{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, string(bytes.TrimSpace(line)))

	require.NoError(t, stop())
}

func TestServe_StreamEndsOnShutdown(t *testing.T) {
	_, httpAddr, stop := startBridge(t, TransportHTTP)
	waitHealthy(t, httpAddr)

	resp, err := http.Get("http://" + httpAddr + "/mcp/stream")
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, `"connected"`)

	require.NoError(t, stop())

	// The server ends the stream; the body drains instead of blocking.
	_, _ = io.ReadAll(reader)
}

func TestServe_TCPOnly(t *testing.T) {
	tcpAddr, httpAddr, stop := startBridge(t, TransportTCP)
	require.Empty(t, httpAddr)

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", tcpAddr)
		if err != nil {
			return false
		}

		_ = conn.Close()

		return true
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, stop())
}

func TestServe_HandlerFailureReleasesListeners(t *testing.T) {
	orig := newAPIHandler
	newAPIHandler = func(*slog.Logger, httpapi.Sharer, httpapi.Config) (*httpapi.Handler, error) {
		return nil, errors.New("schemas unavailable")
	}

	t.Cleanup(func() { newAPIHandler = orig })

	opts := mockchild.Options("")
	sup := supervisor.New(slog.Default(), opts)

	tcpLn, httpLn := listen(t), listen(t)
	cfg := Config{Transports: []string{TransportTCP, TransportHTTP}}

	done := make(chan error, 1)

	go func() {
		done <- serve(t.Context(), cfg, slog.Default(), sup, tcpLn, httpLn)
	}()

	select {
	case err := <-done:
		require.ErrorContains(t, err, "schemas unavailable")
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after handler failure")
	}

	// Both listeners were closed, so nothing accepts on either address.
	for _, ln := range []net.Listener{tcpLn, httpLn} {
		_, err := ln.Accept()
		require.ErrorIs(t, err, net.ErrClosed)
	}

	require.True(t, sup.Status().Closed)
}
