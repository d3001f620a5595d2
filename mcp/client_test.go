package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeTransport is a scriptable test double for the Transport
// interface: tests inspect what was sent and deliver responses,
// notifications, and disconnects by hand.
type fakeTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	sendErr  error
	msgs     chan []byte
	done     chan DisconnectEvent
	doneOnce sync.Once
	closed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		msgs: make(chan []byte, 16),
		done: make(chan DisconnectEvent, 1),
	}
}

func (f *fakeTransport) Start(context.Context) error { return nil }

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Messages() <-chan []byte      { return f.msgs }
func (f *fakeTransport) Done() <-chan DisconnectEvent { return f.done }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.disconnect(nil)
	return nil
}

func (f *fakeTransport) deliver(raw string) {
	f.msgs <- []byte(raw)
}

func (f *fakeTransport) disconnect(err error) {
	f.doneOnce.Do(func() {
		f.done <- DisconnectEvent{Err: err}
	})
}

// sentMessage is the loose shape of anything a client writes.
type sentMessage struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (f *fakeTransport) sentMessages(t *testing.T) []sentMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]sentMessage, 0, len(f.sent))
	for _, raw := range f.sent {
		var m sentMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("unmarshal sent message %s: %v", raw, err)
		}
		out = append(out, m)
	}
	return out
}

// waitForMethod polls until the client has written a message with the
// given method, returning it.
func (f *fakeTransport) waitForMethod(t *testing.T, method string) sentMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range f.sentMessages(t) {
			if m.Method == method {
				return m
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no %s message sent within deadline", method)
	return sentMessage{}
}

// initClient runs the handshake against the fake transport and returns
// a ready client.
func initClient(t *testing.T, ft *fakeTransport) *Client {
	t.Helper()
	c := NewClient("test", ft, nil)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errCh <- c.Initialize(ctx)
	}()

	req := ft.waitForMethod(t, methodInitialize)
	ft.deliver(fmt.Sprintf(
		`{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"fake-server","version":"1.0.0"},"capabilities":{}}}`,
		*req.ID,
	))

	if err := <-errCh; err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return c
}

func TestClient_Initialize(t *testing.T) {
	ft := newFakeTransport()
	c := initClient(t, ft)

	msgs := ft.sentMessages(t)
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2 (initialize + initialized)", len(msgs))
	}
	if msgs[0].Method != methodInitialize {
		t.Errorf("first method = %q, want %q", msgs[0].Method, methodInitialize)
	}
	if msgs[0].ID == nil {
		t.Error("initialize has no id")
	}
	if msgs[1].Method != methodInitialized {
		t.Errorf("second method = %q, want %q", msgs[1].Method, methodInitialized)
	}
	if msgs[1].ID != nil {
		t.Error("initialized notification carries an id")
	}

	name, version := c.ServerInfo()
	if name != "fake-server" || version != "1.0.0" {
		t.Errorf("ServerInfo() = %q/%q", name, version)
	}
}

func TestClient_RejectsRequestsBeforeHandshake(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient("test", ft, nil)

	_, err := c.Call(context.Background(), methodToolsList, nil)
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Call before handshake = %v, want ErrNotInitialized", err)
	}

	// The typed wrappers are guarded the same way.
	if _, err := c.ListTools(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("ListTools before handshake = %v, want ErrNotInitialized", err)
	}
	if _, err := c.CallTool(context.Background(), "echo", nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("CallTool before handshake = %v, want ErrNotInitialized", err)
	}
	if err := c.Ping(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Ping before handshake = %v, want ErrNotInitialized", err)
	}

	// The rejection is local: nothing reached the transport.
	if got := len(ft.sentMessages(t)); got != 0 {
		t.Errorf("transport saw %d messages, want 0", got)
	}
}

func TestClient_OutOfOrderResponses(t *testing.T) {
	ft := newFakeTransport()
	c := initClient(t, ft)

	type result struct {
		raw json.RawMessage
		err error
	}
	resA := make(chan result, 1)
	resB := make(chan result, 1)

	go func() {
		raw, err := c.Call(context.Background(), "method/a", nil)
		resA <- result{raw, err}
	}()
	go func() {
		raw, err := c.Call(context.Background(), "method/b", nil)
		resB <- result{raw, err}
	}()

	reqA := ft.waitForMethod(t, "method/a")
	reqB := ft.waitForMethod(t, "method/b")

	// Respond in reverse order of issuance. Correlation is by id, so
	// each caller must still get its own payload.
	ft.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"from":"b"}}`, *reqB.ID))
	ft.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"from":"a"}}`, *reqA.ID))

	a := <-resA
	if a.err != nil {
		t.Fatalf("call a: %v", a.err)
	}
	if string(a.raw) != `{"from":"a"}` {
		t.Errorf("call a got %s, want {\"from\":\"a\"}", a.raw)
	}

	b := <-resB
	if b.err != nil {
		t.Fatalf("call b: %v", b.err)
	}
	if string(b.raw) != `{"from":"b"}` {
		t.Errorf("call b got %s, want {\"from\":\"b\"}", b.raw)
	}
}

func TestClient_Timeout(t *testing.T) {
	ft := newFakeTransport()
	c := initClient(t, ft)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, "slow/method", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Call = %v, want ErrTimeout", err)
	}

	// The pending entry is gone after the timeout.
	if n := c.pendingCount(); n != 0 {
		t.Errorf("pendingCount() = %d, want 0", n)
	}

	// A late response for the timed-out id is dropped without effect.
	req := ft.waitForMethod(t, "slow/method")
	ft.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, *req.ID))

	// The client is still usable.
	res := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), methodPing, nil)
		res <- err
	}()
	ping := ft.waitForMethod(t, methodPing)
	ft.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, *ping.ID))
	if err := <-res; err != nil {
		t.Fatalf("Call after timeout: %v", err)
	}
}

func TestClient_DisconnectFailsAllPending(t *testing.T) {
	ft := newFakeTransport()
	c := initClient(t, ft)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			_, err := c.Call(context.Background(), fmt.Sprintf("pending/%d", i), nil)
			errs <- err
		}(i)
	}
	ft.waitForMethod(t, "pending/0")
	ft.waitForMethod(t, "pending/1")

	ft.disconnect(io.ErrUnexpectedEOF)

	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("pending call = %v, want ErrConnectionClosed", err)
		}
	}

	// Requests issued after the disconnect fail the same way.
	_, err := c.Call(context.Background(), methodPing, nil)
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Call after disconnect = %v, want ErrConnectionClosed", err)
	}

	if ev := c.DisconnectReason(); !errors.Is(ev.Err, io.ErrUnexpectedEOF) {
		t.Errorf("DisconnectReason().Err = %v", ev.Err)
	}
}

func TestClient_UnmatchedResponseDropped(t *testing.T) {
	ft := newFakeTransport()
	c := initClient(t, ft)

	ft.deliver(`{"jsonrpc":"2.0","id":9999,"result":{}}`)

	// The stray response must not disturb a real call.
	res := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), methodPing, nil)
		res <- err
	}()
	ping := ft.waitForMethod(t, methodPing)
	ft.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, *ping.ID))
	if err := <-res; err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestClient_RPCErrorResponse(t *testing.T) {
	ft := newFakeTransport()
	c := initClient(t, ft)

	res := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "bad/method", nil)
		res <- err
	}()
	req := ft.waitForMethod(t, "bad/method")
	ft.deliver(fmt.Sprintf(
		`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"Method not found"}}`,
		*req.ID,
	))

	err := <-res
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error type = %T, want *RPCError", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("Code = %d, want -32601", rpcErr.Code)
	}
}

func TestClient_ListTools(t *testing.T) {
	ft := newFakeTransport()
	c := initClient(t, ft)

	res := make(chan []ToolDefinition, 1)
	errCh := make(chan error, 1)
	go func() {
		tools, err := c.ListTools(context.Background())
		res <- tools
		errCh <- err
	}()

	req := ft.waitForMethod(t, methodToolsList)
	ft.deliver(fmt.Sprintf(
		`{"jsonrpc":"2.0","id":%d,"result":{"tools":[{"name":"echo","description":"Echo input","inputSchema":{"type":"object"}},{"name":"fetch","description":"Fetch a URL","inputSchema":{"type":"object"}}]}}`,
		*req.ID,
	))

	tools := <-res
	if err := <-errCh; err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if tools[0].Name != "echo" || tools[1].Name != "fetch" {
		t.Errorf("tools = %q, %q", tools[0].Name, tools[1].Name)
	}
}

func TestClient_CallToolReturnsRawResult(t *testing.T) {
	ft := newFakeTransport()
	c := initClient(t, ft)

	res := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		raw, err := c.CallTool(context.Background(), "echo", map[string]any{"text": "ping"})
		res <- raw
		errCh <- err
	}()

	req := ft.waitForMethod(t, methodToolsCall)

	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("unmarshal tools/call params: %v", err)
	}
	if params.Name != "echo" {
		t.Errorf("params.name = %q, want %q", params.Name, "echo")
	}
	if params.Arguments["text"] != "ping" {
		t.Errorf("params.arguments.text = %v", params.Arguments["text"])
	}

	ft.deliver(fmt.Sprintf(
		`{"jsonrpc":"2.0","id":%d,"result":{"content":[{"type":"text","text":"ping"}]}}`,
		*req.ID,
	))

	raw := <-res
	if err := <-errCh; err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	// The payload comes back unopened; the host interprets it.
	parsed, err := ParseToolResult(raw)
	if err != nil {
		t.Fatalf("ParseToolResult: %v", err)
	}
	if got := parsed.Text(); got != "ping" {
		t.Errorf("Text() = %q, want %q", got, "ping")
	}
}

func TestClient_NotificationDispatch(t *testing.T) {
	ft := newFakeTransport()
	c := initClient(t, ft)

	type notif struct {
		method string
		params string
	}
	got := make(chan notif, 1)
	c.OnNotification(func(method string, params json.RawMessage) {
		got <- notif{method, string(params)}
	})

	ft.deliver(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed","params":{"reason":"update"}}`)

	select {
	case n := <-got:
		if n.method != "notifications/tools/list_changed" {
			t.Errorf("method = %q", n.method)
		}
		if n.params != `{"reason":"update"}` {
			t.Errorf("params = %s", n.params)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not dispatched")
	}
}

func TestClient_SendFailureUnregistersPending(t *testing.T) {
	ft := newFakeTransport()
	c := initClient(t, ft)

	ft.mu.Lock()
	ft.sendErr = errors.New("pipe broken")
	ft.mu.Unlock()

	_, err := c.Call(context.Background(), methodPing, nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if n := c.pendingCount(); n != 0 {
		t.Errorf("pendingCount() = %d, want 0", n)
	}
}

func TestClient_Close(t *testing.T) {
	ft := newFakeTransport()
	c := initClient(t, ft)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ft.mu.Lock()
	closed := ft.closed
	ft.mu.Unlock()
	if !closed {
		t.Error("transport was not closed")
	}
}
