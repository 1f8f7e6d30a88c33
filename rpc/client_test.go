package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func startFake(t *testing.T, scenario string, opts ...ClientOption) *Client {
	t.Helper()
	c := NewClient(fakeAgentConfig(scenario), opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestClient_HandshakeThenThreadStart(t *testing.T) {
	var trace syncBuffer
	c := startFake(t, "e2e", WithTrace(&trace))

	if !c.Ready() {
		t.Fatal("client should be ready after Start")
	}

	var result struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
		RequestID int64 `json:"requestId"`
	}
	if err := c.Request(context.Background(), "thread/start", map[string]any{}, &result); err != nil {
		t.Fatalf("thread/start: %v", err)
	}
	if result.Thread.ID != "t1" {
		t.Errorf("thread id = %q, want t1", result.Thread.ID)
	}
	if result.RequestID != 2 {
		t.Errorf("thread/start used id %d, want 2 (initialize is 1, notifications take none)", result.RequestID)
	}

	out := trace.String()
	for _, want := range []string{
		`>> {"id":1,"method":"initialize","params":{"clientInfo":{"name":"plural_appserver"`,
		`>> {"method":"initialized"}`,
		`>> {"id":2,"method":"thread/start","params":{}}`,
		`<< {"id":2,"result":`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("trace missing %q\n%s", want, out)
		}
	}
}

func TestClient_StartOnReadyClientIsNoop(t *testing.T) {
	c := startFake(t, "e2e")
	if err := c.Start(context.Background()); err != nil {
		t.Errorf("second Start = %v, want nil", err)
	}
}

func TestClient_OutOfOrderResponses(t *testing.T) {
	c := startFake(t, "e2e")

	type outcome struct {
		sent int
		got  int64
		err  error
	}
	results := make(chan outcome, 3)
	var wg sync.WaitGroup
	for i := range 3 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var r struct {
				N int64 `json:"n"`
			}
			err := c.Request(context.Background(), "echo", map[string]int{"i": i}, &r)
			results <- outcome{sent: i, got: r.N, err: err}
		}(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	for r := range results {
		if r.err != nil {
			t.Fatalf("request %d: %v", r.sent, r.err)
		}
		seen[r.got] = true
	}
	// Every request got the response carrying its own id, even though the
	// agent answered in reverse order.
	for _, id := range []int64{2, 3, 4} {
		if !seen[id] {
			t.Errorf("no request resolved with id %d: %v", id, seen)
		}
	}
}

func TestClient_ErrorResponse(t *testing.T) {
	c := startFake(t, "e2e")

	err := c.Request(context.Background(), "fail", nil, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %v", err)
	}
	if rpcErr.Message != "thread not found" || rpcErr.Code != -32000 {
		t.Errorf("rpcErr = %+v", rpcErr)
	}
}

func TestClient_NotificationsFanOut(t *testing.T) {
	c := startFake(t, "e2e")

	var mu sync.Mutex
	var first, second []string
	unsubFirst := c.Subscribe(func(method string, params json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		first = append(first, string(params))
	})
	defer unsubFirst()
	unsubSecond := c.Subscribe(func(method string, params json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		second = append(second, method)
	})

	if err := c.Request(context.Background(), "notify", nil, nil); err != nil {
		t.Fatalf("notify: %v", err)
	}

	mu.Lock()
	// A string id does not make a message a request or response.
	if len(first) != 2 || len(second) != 2 {
		t.Errorf("first = %v, second = %v; want 2 notifications each", first, second)
	}
	mu.Unlock()

	unsubSecond()
	unsubSecond()

	if err := c.Request(context.Background(), "notify", nil, nil); err != nil {
		t.Fatalf("notify: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(first) != 4 {
		t.Errorf("first subscriber got %d notifications, want 4", len(first))
	}
	if len(second) != 2 {
		t.Errorf("unsubscribed handler still called: %v", second)
	}
}

func TestClient_ServerRequestHandler(t *testing.T) {
	tests := []struct {
		name    string
		handler RequestHandler
		want    string
	}{
		{
			name: "result",
			handler: func(ctx context.Context, method string, params json.RawMessage) (any, error) {
				return map[string]string{"decision": "decline"}, nil
			},
			want: `{"id":77,"result":{"decision":"decline"}}`,
		},
		{
			name: "rpc error keeps its code",
			handler: func(ctx context.Context, method string, params json.RawMessage) (any, error) {
				return nil, &RPCError{Code: CodeInvalidParams, Message: "bad params"}
			},
			want: `{"id":77,"error":{"code":-32602,"message":"bad params"}}`,
		},
		{
			name: "plain error",
			handler: func(ctx context.Context, method string, params json.RawMessage) (any, error) {
				return nil, errors.New("prompt closed")
			},
			want: `{"id":77,"error":{"code":-32603,"message":"prompt closed"}}`,
		},
		{
			name: "no handler",
			want: `{"id":77,"error":{"code":-32601,"message":"unsupported server request: item/commandExecution/requestApproval"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := startFake(t, "e2e")
			if tt.handler != nil {
				c.SetRequestHandler(tt.handler)
			}

			var answer json.RawMessage
			err := c.Request(context.Background(), "ask",
				map[string]string{"serverMethod": "item/commandExecution/requestApproval"}, &answer)
			if err != nil {
				t.Fatalf("ask: %v", err)
			}
			if string(answer) != tt.want {
				t.Errorf("answer = %s, want %s", answer, tt.want)
			}
		})
	}
}

func TestClient_ExitBeforeHandshake(t *testing.T) {
	c := NewClient(fakeAgentConfig("exit"))
	err := c.Start(context.Background())

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %v", err)
	}
	if exitErr.Code != 3 {
		t.Errorf("exit code = %d, want 3", exitErr.Code)
	}
	if !strings.Contains(err.Error(), "exited with code 3") {
		t.Errorf("error = %q", err.Error())
	}
	if c.Running() || c.Ready() {
		t.Error("client should be torn down after failed start")
	}
}

func TestClient_ExitRejectsPending(t *testing.T) {
	c := startFake(t, "e2e")

	errc := make(chan error, 1)
	go func() {
		errc <- c.Request(context.Background(), "hang", nil, nil)
	}()

	// Give the hanging request time to register before the crash.
	time.Sleep(50 * time.Millisecond)
	if err := c.Request(context.Background(), "die", nil, nil); err == nil {
		t.Fatal("expected error from request that crashed the agent")
	}

	select {
	case err := <-errc:
		var exitErr *ExitError
		if !errors.As(err, &exitErr) || exitErr.Code != 7 {
			t.Fatalf("pending request err = %v, want exit code 7", err)
		}
		if !strings.Contains(exitErr.Stderr, "fatal: crashed") {
			t.Errorf("stderr tail = %q", exitErr.Stderr)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("pending request was never rejected")
	}

	if c.Running() {
		t.Error("client should have no process after exit")
	}
}

func TestClient_CLINotFound(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "no-such-agent")
	c := NewClient(ProcessConfig{Command: missing})

	err := c.Start(context.Background())
	var notFound *CLINotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected *CLINotFoundError, got %v", err)
	}
	if notFound.Command != missing {
		t.Errorf("Command = %q", notFound.Command)
	}
	if !strings.Contains(err.Error(), "agent CLI not found") {
		t.Errorf("error = %q", err.Error())
	}

	// The client stays usable for another attempt.
	if err := c.Start(context.Background()); !errors.As(err, &notFound) {
		t.Errorf("second Start = %v", err)
	}
}

func TestClient_MissingWorkingDirIsNotCLINotFound(t *testing.T) {
	cfg := fakeAgentConfig("e2e")
	cfg.Dir = filepath.Join(t.TempDir(), "gone")
	c := NewClient(cfg)

	err := c.Start(context.Background())
	if err == nil {
		c.Close()
		t.Fatal("expected spawn error")
	}
	var notFound *CLINotFoundError
	if errors.As(err, &notFound) {
		t.Errorf("missing cwd reported as CLI not found: %v", err)
	}
}

func TestClient_StartInProgress(t *testing.T) {
	c := NewClient(fakeAgentConfig("slow-init"))
	defer c.Close()

	first := make(chan error, 1)
	go func() { first <- c.Start(context.Background()) }()

	waitFor(t, func() bool { return c.Running() })

	if err := c.Start(context.Background()); !errors.Is(err, ErrStartInProgress) {
		t.Fatalf("concurrent Start = %v, want ErrStartInProgress", err)
	}

	c.Close()
	select {
	case err := <-first:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("first Start = %v, want ErrClosed", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("first Start never returned")
	}
}

func TestClient_CloseAbandonsPendingAndRestarts(t *testing.T) {
	c := startFake(t, "e2e")

	errc := make(chan error, 1)
	go func() { errc <- c.Request(context.Background(), "hang", nil, nil) }()
	time.Sleep(50 * time.Millisecond)

	c.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("pending err = %v, want ErrClosed", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("pending request leaked after Close")
	}

	if err := c.Request(context.Background(), "thread/start", nil, nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Request after Close = %v, want ErrNotRunning", err)
	}

	// Start respawns and ids begin at 1 again.
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	var result struct {
		RequestID int64 `json:"requestId"`
	}
	if err := c.Request(context.Background(), "thread/start", map[string]any{}, &result); err != nil {
		t.Fatalf("thread/start after restart: %v", err)
	}
	if result.RequestID != 2 {
		t.Errorf("id after restart = %d, want 2", result.RequestID)
	}
}

func TestClient_RequestContextCancel(t *testing.T) {
	c := startFake(t, "e2e")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Request(ctx, "hang", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("pending table has %d entries after cancel", n)
	}
}

func TestClient_RequestWithoutProcess(t *testing.T) {
	c := NewClient(fakeAgentConfig("e2e"))
	if err := c.Request(context.Background(), "thread/list", nil, nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
	if err := c.Notify("initialized", nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Notify err = %v, want ErrNotRunning", err)
	}
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name string
		cfg  ProcessConfig
		want []string
	}{
		{"default subcommand", ProcessConfig{}, []string{"app-server"}},
		{"extra args first", ProcessConfig{Args: []string{"--profile", "dev"}}, []string{"--profile", "dev", "app-server"}},
		{"already included", ProcessConfig{Args: []string{"app-server", "--listen", "stdio"}}, []string{"app-server", "--listen", "stdio"}},
		{"custom subcommand", ProcessConfig{Subcommand: "serve"}, []string{"serve"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildArgs(tt.cfg)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("BuildArgs = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildArgs_DoesNotMutateInput(t *testing.T) {
	args := make([]string, 1, 4)
	args[0] = "--x"
	BuildArgs(ProcessConfig{Args: args})
	if got := args[:cap(args)][1]; got != "" {
		t.Errorf("input backing array mutated: %q", got)
	}
}

func TestBuildEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/home/u", "OPENAI_API_KEY=old"}
	got := BuildEnv(base, map[string]string{
		"OPENAI_API_KEY": "new",
		"ZED":            "1",
		"ALPHA":          "2",
	})
	want := []string{"PATH=/usr/bin", "HOME=/home/u", "OPENAI_API_KEY=new", "ALPHA=2", "ZED=1"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("BuildEnv = %v, want %v", got, want)
	}
	if base[2] != "OPENAI_API_KEY=old" {
		t.Error("base environment was mutated")
	}
}

func TestEnvelopeKind(t *testing.T) {
	tests := []struct {
		line string
		want messageKind
	}{
		{`{"id":3,"method":"item/fileChange/requestApproval","params":{}}`, kindServerRequest},
		{`{"id":3,"result":{}}`, kindResponse},
		{`{"id":3.0,"result":{}}`, kindResponse},
		{`{"id":3,"error":{"code":1,"message":""}}`, kindResponse},
		{`{"method":"turn/completed"}`, kindNotification},
		{`{"id":"abc","method":"turn/completed"}`, kindNotification},
		{`{"id":null,"method":"turn/completed"}`, kindNotification},
		{`{"id":1.5,"method":"x"}`, kindNotification},
		{`{"id":"abc"}`, kindInvalid},
		{`{}`, kindInvalid},
	}

	for _, tt := range tests {
		var env envelope
		if err := json.Unmarshal([]byte(tt.line), &env); err != nil {
			t.Fatalf("Unmarshal(%s): %v", tt.line, err)
		}
		if got := env.kind(); got != tt.want {
			t.Errorf("kind(%s) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestErrorMessages(t *testing.T) {
	if got := (&ExitError{Code: 2}).Error(); got != "agent process exited with code 2" {
		t.Errorf("ExitError = %q", got)
	}
	if got := (&ExitError{Code: 2, Stderr: "bad flag\n"}).Error(); got != "agent process exited with code 2: bad flag" {
		t.Errorf("ExitError with stderr = %q", got)
	}
	if got := (&RPCError{Code: -32000}).Error(); got != "rpc error -32000" {
		t.Errorf("RPCError without message = %q", got)
	}
	err := &CLINotFoundError{Command: "codex", Err: os.ErrNotExist}
	if !errors.Is(err, os.ErrNotExist) {
		t.Error("CLINotFoundError should unwrap")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// syncBuffer is a bytes.Buffer safe for the client's trace goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
