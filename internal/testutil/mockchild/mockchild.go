// Package mockchild implements a scriptable stdio JSON-RPC server used as the
// child process in tests.
//
// Test binaries re-execute themselves as the child: TestMain checks Active()
// and hands control to Main(). Behaviour is selected per call by method name,
// or for the whole process by MCPBRIDGE_MOCK_MODE:
//
//	(empty)   JSON-RPC loop
//	cat       copy stdin to stdout byte for byte
//	fail-fast write to stderr and exit 3 before reading anything
//	banner    print a non-JSON banner line, then the JSON-RPC loop
//	stubborn  ignore stdin entirely and never exit on its own
package mockchild

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/wagiedev/mcpbridge/internal/config"
)

const (
	// EnvChild marks a process as the mock child.
	EnvChild = "MCPBRIDGE_MOCK_CHILD"
	// EnvMode selects the whole-process behaviour.
	EnvMode = "MCPBRIDGE_MOCK_MODE"
)

// Active reports whether the current process was launched as the mock child.
func Active() bool {
	return os.Getenv(EnvChild) == "1"
}

// Options returns bridge options that launch the running test binary as the
// mock child in the given mode.
func Options(mode string) config.Options {
	return config.Options{
		Command:       os.Args[0],
		Env:           []string{EnvChild + "=1", EnvMode + "=" + mode},
		CallTimeout:   5 * time.Second,
		ShutdownGrace: 500 * time.Millisecond,
	}
}

type envelope struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type server struct {
	mu  sync.Mutex
	out *bufio.Writer

	askMu   sync.Mutex
	askFrom json.RawMessage
}

// Main runs the mock child and returns its exit code.
func Main() int {
	switch os.Getenv(EnvMode) {
	case "cat":
		_, _ = io.Copy(os.Stdout, os.Stdin)

		return 0
	case "fail-fast":
		fmt.Fprintln(os.Stderr, "mock child refusing to start")

		return 3
	case "banner":
		fmt.Fprintln(os.Stdout, "mock child starting up")
	case "stubborn":
		time.Sleep(time.Hour)

		return 0
	}

	s := &server{out: bufio.NewWriter(os.Stdout)}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 4096), 4<<20)

	for scanner.Scan() {
		var msg envelope
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}

		if code, exit := s.handle(&msg); exit {
			return code
		}
	}

	return 0
}

func (s *server) handle(msg *envelope) (int, bool) {
	if msg.Method == "" {
		// A reply to a request this child sent.
		s.askMu.Lock()
		from := s.askFrom
		s.askFrom = nil
		s.askMu.Unlock()

		if from != nil {
			code := 0
			if msg.Error != nil {
				code = msg.Error.Code
			}

			s.result(from, map[string]any{"answered": code})
		}

		return 0, false
	}

	switch msg.Method {
	case "echo":
		s.result(msg.ID, map[string]any{"echo": msg.Params})

	case "sleep":
		var p struct {
			Ms  int `json:"ms"`
			Tag any `json:"tag"`
		}
		_ = json.Unmarshal(msg.Params, &p)

		go func(id json.RawMessage) {
			time.Sleep(time.Duration(p.Ms) * time.Millisecond)
			s.result(id, map[string]any{"tag": p.Tag})
		}(msg.ID)

	case "hang":
		// never answered

	case "crash":
		fmt.Fprintln(os.Stderr, "mock child crashing")

		return 2, true

	case "garbage":
		s.raw("this line is not json")
		s.result(msg.ID, map[string]any{"ok": true})

	case "dup":
		s.result(msg.ID, map[string]any{"copy": 1})
		s.result(msg.ID, map[string]any{"copy": 2})

	case "notify":
		s.write(envelope{JSONRPC: "2.0", Method: "notifications/message", Params: msg.Params})
		s.result(msg.ID, map[string]any{"notified": true})

	case "ask":
		s.askMu.Lock()
		s.askFrom = msg.ID
		s.askMu.Unlock()
		s.write(envelope{JSONRPC: "2.0", ID: json.RawMessage(`"srv-1"`), Method: "roots/list"})

	case "initialize":
		var p struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(msg.Params, &p)

		s.result(msg.ID, map[string]any{
			"protocolVersion": p.ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "mock", "version": "1.0.0"},
		})

	case "notifications/initialized":
		// notification, no reply

	case "tools/list":
		s.result(msg.ID, map[string]any{
			"tools": []map[string]any{
				{"name": "get_team", "description": "Return a team"},
				{"name": "compare_players", "description": "Compare two players"},
			},
		})

	case "tools/call":
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		_ = json.Unmarshal(msg.Params, &p)

		s.result(msg.ID, map[string]any{
			"content":   []map[string]any{{"type": "text", "text": "called " + p.Name}},
			"arguments": p.Arguments,
			"isError":   false,
		})

	case "ping":
		s.result(msg.ID, map[string]any{})

	default:
		if msg.ID == nil {
			return 0, false
		}

		s.write(envelope{
			JSONRPC: "2.0",
			ID:      msg.ID,
			Error: &struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			}{Code: -32601, Message: "method not found: " + msg.Method},
		})
	}

	return 0, false
}

func (s *server) result(id json.RawMessage, result any) {
	s.write(envelope{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *server) write(msg envelope) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.raw(string(data))
}

func (s *server) raw(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.out.WriteString(line + "\n")
	_ = s.out.Flush()
}
