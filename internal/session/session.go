// Package session implements the JSON-RPC 2.0 request/response/notification
// layer that rides on top of a transport.Channel: request-id correlation via
// a pending-request table, OAuth-style client_credentials auth bootstrap,
// and transparent access-token refresh on expiry.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"deribit-mm/internal/metrics"
	"deribit-mm/internal/transport"
)

// ErrProtocolParse is returned when an inbound frame is not a valid
// JSON-RPC document. The frame cannot be skipped: the stream's message
// boundaries are suspect once one frame fails to parse.
type ErrProtocolParse struct {
	Err error
}

func (e *ErrProtocolParse) Error() string {
	return fmt.Sprintf("session: malformed inbound frame: %v", e.Err)
}

func (e *ErrProtocolParse) Unwrap() error { return e.Err }

// ErrUnknownRequestID is returned internally when a response or error
// carries an id with no matching pending request. The connection is no
// longer trustworthy once this happens.
type ErrUnknownRequestID struct {
	ID string
}

func (e *ErrUnknownRequestID) Error() string {
	return fmt.Sprintf("session: response for unknown request id %q", e.ID)
}

// Handler receives the three kinds of inbound message a Session dispatches.
type Handler interface {
	// OnNotification handles a server-initiated message, e.g. a
	// "subscription" or "heartbeat" method. A returned error is fatal and
	// propagates out of Run.
	OnNotification(method string, params json.RawMessage) error

	// OnResponse handles a successful reply to a request this session
	// sent. params is that request's params, for context. A returned
	// error is fatal and propagates out of Run.
	OnResponse(method string, params json.RawMessage, result json.RawMessage) error

	// OnError handles an error reply to a request this session sent.
	// params is that request's params, for context. A returned error is
	// fatal and propagates out of Run.
	OnError(method string, params json.RawMessage, code int, message string) error
}

// Settings configures a Session's venue connection and credentials.
type Settings struct {
	URI          transport.URI
	ClientID     string
	ClientSecret string

	// Metrics is optional; when nil, the Session records nothing.
	Metrics *metrics.Metrics
}

// channel is the minimal frame transport a Session needs. transport.Channel
// satisfies it; tests substitute an in-memory fake.
type channel interface {
	Send(text string) error
	Recv() (string, error)
	IsOpen() bool
	Close() error
}

// Session is a synchronous, single-threaded JSON-RPC 2.0 client: one
// outstanding Run loop reads inbound frames and dispatches them to a
// Handler, while Send/SendParams/Subscribe write outbound requests and
// register them in a pending table keyed by a random UUID.
type Session struct {
	channel channel
	handler Handler
	log     *slog.Logger
	limiter *creditPool
	mx      *metrics.Metrics

	mu           sync.Mutex
	pending      map[string]pendingRequest
	refreshToken string
	accessToken  string
}

// New dials uri and returns a Session ready to send and receive. If
// settings.ClientID is non-empty, it immediately sends public/auth with
// client_credentials to bootstrap an access token.
func New(settings Settings, handler Handler, log *slog.Logger) (*Session, error) {
	ch, err := transport.Dial(settings.URI)
	if err != nil {
		return nil, fmt.Errorf("session: dial: %w", err)
	}

	s := &Session{
		channel: ch,
		handler: handler,
		log:     log,
		limiter: newCreditPool(creditCeiling, creditRefillPerSec),
		pending: make(map[string]pendingRequest),
		mx:      settings.Metrics,
	}

	if settings.ClientID != "" {
		if err := s.SendParams("public/auth", map[string]any{
			"grant_type":    "client_credentials",
			"client_id":     settings.ClientID,
			"client_secret": settings.ClientSecret,
		}); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("session: auth bootstrap: %w", err)
		}
	}

	return s, nil
}

// Send issues method with empty params.
func (s *Session) Send(method string) error {
	return s.SendParams(method, map[string]any{})
}

// SendParams issues method with params, registering the request's id in the
// pending table so a later response or error can be correlated back to it.
func (s *Session) SendParams(method string, params any) error {
	if err := s.limiter.take(context.Background(), requestCost(method)); err != nil {
		return fmt.Errorf("session: rate limit wait: %w", err)
	}

	id := uuid.NewString()
	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("session: marshal request: %w", err)
	}

	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("session: marshal params: %w", err)
	}

	s.mu.Lock()
	s.pending[id] = pendingRequest{Method: method, Params: paramsRaw}
	s.mu.Unlock()

	if err := s.channel.Send(string(raw)); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return fmt.Errorf("session: send: %w", err)
	}
	if s.mx != nil {
		s.mx.RequestsSent.Inc()
	}
	return nil
}

// Subscribe issues public/subscribe for channels.
func (s *Session) Subscribe(channels []string) error {
	return s.SendParams("public/subscribe", map[string]any{"channels": channels})
}

// Run blocks, reading and dispatching inbound frames until the channel
// closes or a read fails.
func (s *Session) Run() error {
	for s.channel.IsOpen() {
		text, err := s.channel.Recv()
		if err != nil {
			return fmt.Errorf("session: recv: %w", err)
		}
		if err := s.dispatch([]byte(text)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) dispatch(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &ErrProtocolParse{Err: err}
	}

	switch {
	case env.Method != "":
		return s.handler.OnNotification(env.Method, env.Params)

	case env.Error != nil:
		pending, err := s.takePending(env.ID)
		if err != nil {
			return err
		}
		if s.mx != nil {
			s.mx.RequestsFailed.WithLabelValues(strconv.Itoa(env.Error.Code)).Inc()
		}
		if env.Error.Code == 13009 {
			s.log.Info("access token expired, refreshing")
			return s.SendParams("public/auth", map[string]any{
				"grant_type":    "refresh_token",
				"refresh_token": s.currentRefreshToken(),
			})
		}
		return s.handler.OnError(pending.Method, pending.Params, env.Error.Code, env.Error.Message)

	default:
		pending, err := s.takePending(env.ID)
		if err != nil {
			return err
		}
		if pending.Method == "public/auth" {
			var tokens authResult
			if err := json.Unmarshal(env.Result, &tokens); err != nil {
				return fmt.Errorf("session: decode auth result: %w", err)
			}
			s.mu.Lock()
			s.accessToken = tokens.AccessToken
			s.refreshToken = tokens.RefreshToken
			s.mu.Unlock()
			return nil
		}
		return s.handler.OnResponse(pending.Method, pending.Params, env.Result)
	}
}

func (s *Session) takePending(id string) (pendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return pendingRequest{}, &ErrUnknownRequestID{ID: id}
	}
	delete(s.pending, id)
	return p, nil
}

func (s *Session) currentRefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken
}

// SetHandler attaches (or replaces) the Handler that Run dispatches to.
// Callers that need the Session itself to construct their Handler (as
// strategy.Maker does, since its constructor sends requests through the
// session) create the Session with a nil handler and call SetHandler
// before Run.
func (s *Session) SetHandler(handler Handler) {
	s.handler = handler
}

// AccessToken returns the most recently stored access token, or "" if the
// session has not yet authenticated.
func (s *Session) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

// Close closes the underlying channel.
func (s *Session) Close() error {
	return s.channel.Close()
}
