package session

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
)

// fakeChannel is an in-memory substitute for transport.Channel: Send
// appends to a recorded outbox, Recv pops from a pre-seeded inbox.
type fakeChannel struct {
	mu     sync.Mutex
	outbox []string
	inbox  []string
	closed bool
}

func (f *fakeChannel) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbox = append(f.outbox, text)
	return nil
}

func (f *fakeChannel) Recv() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbox) == 0 {
		f.closed = true
		return "", io.EOF
	}
	msg := f.inbox[0]
	f.inbox = f.inbox[1:]
	return msg, nil
}

func (f *fakeChannel) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) push(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, msg)
}

func (f *fakeChannel) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outbox) == 0 {
		return ""
	}
	return f.outbox[len(f.outbox)-1]
}

type recordingHandler struct {
	mu            sync.Mutex
	notifications []string
	responses     []string
	errors        []string
}

func (h *recordingHandler) OnNotification(method string, params json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifications = append(h.notifications, method)
	return nil
}

func (h *recordingHandler) OnResponse(method string, params json.RawMessage, result json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responses = append(h.responses, method)
	return nil
}

func (h *recordingHandler) OnError(method string, params json.RawMessage, code int, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, fmt.Sprintf("%s:%d", method, code))
	return nil
}

func newTestSession() (*Session, *fakeChannel, *recordingHandler) {
	fc := &fakeChannel{}
	h := &recordingHandler{}
	s := &Session{
		channel: fc,
		handler: h,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		limiter: newCreditPool(1e9, 1e9),
		pending: make(map[string]pendingRequest),
	}
	return s, fc, h
}

func extractID(t *testing.T, raw string) string {
	t.Helper()
	var env struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	return env.ID
}

func TestSendUsesJSONRPCKey(t *testing.T) {
	t.Parallel()
	s, fc, _ := newTestSession()

	if err := s.Send("public/test"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var env map[string]any
	if err := json.Unmarshal([]byte(fc.lastSent()), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := env["jsonrpc"]; !ok {
		t.Fatal("sent frame missing jsonrpc key")
	}
	if _, ok := env["jsonrc"]; ok {
		t.Fatal("sent frame carries a misspelled jsonrc key")
	}
	if env["jsonrpc"] != "2.0" {
		t.Fatalf("jsonrpc = %v, want 2.0", env["jsonrpc"])
	}
}

func TestNotificationDispatch(t *testing.T) {
	t.Parallel()
	s, fc, h := newTestSession()

	fc.push(`{"method":"heartbeat","params":{"type":"test_request"}}`)
	if err := s.dispatch([]byte(fc.inbox[0])); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(h.notifications) != 1 || h.notifications[0] != "heartbeat" {
		t.Fatalf("notifications = %v, want [heartbeat]", h.notifications)
	}
}

func TestResponseDispatchCorrelatesRequest(t *testing.T) {
	t.Parallel()
	s, fc, h := newTestSession()

	if err := s.SendParams("private/buy", map[string]any{"instrument_name": "BTC-PERPETUAL"}); err != nil {
		t.Fatalf("SendParams: %v", err)
	}
	id := extractID(t, fc.lastSent())

	msg := fmt.Sprintf(`{"id":%q,"result":{"order":{"order_id":"abc"}}}`, id)
	if err := s.dispatch([]byte(msg)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(h.responses) != 1 || h.responses[0] != "private/buy" {
		t.Fatalf("responses = %v, want [private/buy]", h.responses)
	}
	if len(s.pending) != 0 {
		t.Fatalf("pending table not drained: %v", s.pending)
	}
}

func TestErrorDispatchCorrelatesRequest(t *testing.T) {
	t.Parallel()
	s, fc, h := newTestSession()

	if err := s.SendParams("private/edit", map[string]any{"order_id": "xyz"}); err != nil {
		t.Fatalf("SendParams: %v", err)
	}
	id := extractID(t, fc.lastSent())

	msg := fmt.Sprintf(`{"id":%q,"error":{"code":11044,"message":"not_open_order"}}`, id)
	if err := s.dispatch([]byte(msg)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(h.errors) != 1 || h.errors[0] != "private/edit:11044" {
		t.Fatalf("errors = %v, want [private/edit:11044]", h.errors)
	}
}

func TestAuthBootstrapAndRefreshOn13009(t *testing.T) {
	t.Parallel()
	s, fc, h := newTestSession()

	if err := s.SendParams("public/auth", map[string]any{
		"grant_type": "client_credentials", "client_id": "id", "client_secret": "secret",
	}); err != nil {
		t.Fatalf("SendParams: %v", err)
	}
	authID := extractID(t, fc.lastSent())

	authResp := fmt.Sprintf(`{"id":%q,"result":{"access_token":"at1","refresh_token":"rt1"}}`, authID)
	if err := s.dispatch([]byte(authResp)); err != nil {
		t.Fatalf("dispatch auth result: %v", err)
	}
	if s.AccessToken() != "at1" {
		t.Fatalf("AccessToken() = %q, want at1", s.AccessToken())
	}
	if len(h.responses) != 0 {
		t.Fatalf("public/auth response should not reach the handler, got %v", h.responses)
	}

	// Now a subsequent request comes back expired; session should
	// transparently refresh rather than surfacing it to the handler.
	if err := s.SendParams("private/buy", map[string]any{}); err != nil {
		t.Fatalf("SendParams: %v", err)
	}
	buyID := extractID(t, fc.lastSent())

	expired := fmt.Sprintf(`{"id":%q,"error":{"code":13009,"message":"expired"}}`, buyID)
	if err := s.dispatch([]byte(expired)); err != nil {
		t.Fatalf("dispatch expired error: %v", err)
	}
	if len(h.errors) != 0 {
		t.Fatalf("code 13009 should not reach OnError, got %v", h.errors)
	}

	refreshSent := fc.lastSent()
	var refreshEnv struct {
		Method string `json:"method"`
		Params struct {
			GrantType    string `json:"grant_type"`
			RefreshToken string `json:"refresh_token"`
		} `json:"params"`
	}
	if err := json.Unmarshal([]byte(refreshSent), &refreshEnv); err != nil {
		t.Fatalf("decode refresh request: %v", err)
	}
	if refreshEnv.Method != "public/auth" {
		t.Fatalf("refresh method = %q, want public/auth", refreshEnv.Method)
	}
	if refreshEnv.Params.GrantType != "refresh_token" || refreshEnv.Params.RefreshToken != "rt1" {
		t.Fatalf("refresh params = %+v, want grant_type=refresh_token refresh_token=rt1", refreshEnv.Params)
	}
}

func TestMalformedFrameIsFatal(t *testing.T) {
	t.Parallel()
	s, _, h := newTestSession()

	err := s.dispatch([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for malformed frame")
	}
	if _, ok := err.(*ErrProtocolParse); !ok {
		t.Fatalf("got %T, want *ErrProtocolParse", err)
	}
	if len(h.notifications)+len(h.responses)+len(h.errors) != 0 {
		t.Fatal("malformed frame must not reach the handler")
	}
}

func TestUnknownRequestIDIsFatal(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSession()

	err := s.dispatch([]byte(`{"id":"ghost","result":{}}`))
	if err == nil {
		t.Fatal("expected error for unknown request id")
	}
	if _, ok := err.(*ErrUnknownRequestID); !ok {
		t.Fatalf("got %T, want *ErrUnknownRequestID", err)
	}
}
