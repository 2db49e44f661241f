// Package controller implements the Controller side of the Relay Plane
// (C8): it accepts Agent websocket connections, issues REQUEST_FILE control
// frames, and serves the HTTP endpoints an Agent posts file bodies and
// share-index uploads to.
package controller

import (
	"context"
	"crypto/subtle"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/soulfired/soulfired/internal/errs"
	"github.com/soulfired/soulfired/internal/relay"
	"github.com/soulfired/soulfired/internal/slog"
)

// agentConn wraps a websocket connection with its own write lock: gorilla's
// Conn permits one concurrent reader and one concurrent writer, never two
// writers.
type agentConn struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

func (c *agentConn) send(msg relay.ControlMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// pendingRequest is the transient per-request state described in §9's "arena
// for transient relay state": a stream promise fulfilled once the Agent's
// multipart POST arrives, a fail promise fulfilled if the Agent's POST is
// rejected before any body is handed over, and a completion promise
// fulfilled once the Transfer Orchestrator finishes reading the body.
type pendingRequest struct {
	id       string
	agent    string
	filename string
	stream   chan io.ReadCloser
	fail     chan error
	complete chan struct{}
	once     sync.Once
	hub      *Hub
}

// fulfillComplete signals completion and removes the request from the
// pending table. It must only run once the orchestrator is truly done with
// the body: the normal path runs it from completionBody.Close, never from
// RequestFile's return, so a concurrent HTTP handler blocked in
// awaitCompletion always observes an entry that is still present.
func (p *pendingRequest) fulfillComplete() {
	p.once.Do(func() {
		close(p.complete)
		p.hub.pending.Delete(p.id)
	})
}

// completionBody wraps the multipart file part so that Close signals the
// pendingRequest's completion promise exactly once, regardless of how many
// times Close is called or whether the read ended in error.
type completionBody struct {
	io.ReadCloser
	pending *pendingRequest
}

func (b *completionBody) Close() error {
	err := b.ReadCloser.Close()
	b.pending.fulfillComplete()
	return err
}

// Hub owns the set of registered Agents, their live control connections, and
// the pending-request table. It has no knowledge of HTTP routing; Router
// wires it to chi.
type Hub struct {
	agents      map[string]string // agent name -> shared secret
	fileTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]*agentConn

	pending sync.Map // id string -> *pendingRequest
}

// NewHub builds a Hub. agents is the Controller's static registry, loaded
// from the Options Store's "relay.agentsecrets" descriptor.
func NewHub(agents map[string]string, fileTimeout time.Duration) *Hub {
	if fileTimeout <= 0 {
		fileTimeout = 3 * time.Second
	}
	return &Hub{agents: agents, fileTimeout: fileTimeout, conns: map[string]*agentConn{}}
}

// Authenticate reports whether secret is the registered secret for agent.
func (h *Hub) Authenticate(agent, secret string) bool {
	want, ok := h.agents[agent]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(secret)) == 1
}

// Register associates agent with its live control connection, replacing any
// prior connection (the Agent's auto-reconnect obsoletes the old one).
// Returns an unregister func to call when the connection closes.
func (h *Hub) Register(agent string, conn *websocket.Conn) func() {
	ac := &agentConn{conn: conn}
	h.mu.Lock()
	h.conns[agent] = ac
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		if h.conns[agent] == ac {
			delete(h.conns, agent)
		}
		h.mu.Unlock()
	}
}

// Connected reports whether agent currently has a live control connection.
func (h *Hub) Connected(agent string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[agent]
	return ok
}

// RequestFile implements §4.4's file-retrieval operation: it issues
// REQUEST_FILE to agent and blocks until the Agent's multipart POST arrives,
// the timeout elapses, or ctx is cancelled. The returned ReadCloser's Close
// method fulfills the completion promise the HTTP handler is blocked on.
func (h *Hub) RequestFile(ctx context.Context, agent, filename string) (io.ReadCloser, error) {
	h.mu.RLock()
	ac, ok := h.conns[agent]
	h.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.NotFound, "relay.RequestFile", "agent not connected")
	}

	id := uuid.NewString()
	p := &pendingRequest{id: id, agent: agent, filename: filename, stream: make(chan io.ReadCloser, 1), fail: make(chan error, 1), complete: make(chan struct{}), hub: h}
	h.pending.Store(id, p)

	if err := ac.send(relay.ControlMessage{Kind: relay.ControlRequestFile, ID: id, Filename: filename}); err != nil {
		h.pending.Delete(id)
		return nil, errs.Wrap(errs.TransportFailure, "relay.RequestFile", "sending REQUEST_FILE", err)
	}

	timer := time.NewTimer(h.fileTimeout)
	defer timer.Stop()

	// On success, the pending entry outlives this call: it is only removed
	// once completionBody.Close runs, so a handler blocked in
	// awaitCompletion can still find it.
	select {
	case body := <-p.stream:
		return &completionBody{ReadCloser: body, pending: p}, nil
	case err := <-p.fail:
		h.pending.Delete(id)
		return nil, err
	case <-timer.C:
		h.pending.Delete(id)
		return nil, errs.New(errs.TimedOut, "relay.RequestFile", "agent did not respond in time")
	case <-ctx.Done():
		h.pending.Delete(id)
		return nil, ctx.Err()
	}
}

// fulfill hands the multipart file part to the matching pending request,
// called from the HTTP handler once the credential has been verified.
func (h *Hub) fulfill(id string, body io.ReadCloser) error {
	v, ok := h.pending.Load(id)
	if !ok {
		return errs.New(errs.NotFound, "relay.fulfill", "unknown or expired request id")
	}
	p := v.(*pendingRequest)
	select {
	case p.stream <- body:
	default:
		return errs.New(errs.Rejected, "relay.fulfill", "request already fulfilled")
	}
	return nil
}

// reject fails the matching pending request immediately, called from the
// HTTP handler when the Agent's POST cannot be accepted (e.g. a credential
// mismatch) so RequestFile's select observes the real failure instead of
// idling out the full file timeout.
func (h *Hub) reject(id string, err error) {
	v, ok := h.pending.LoadAndDelete(id)
	if !ok {
		return
	}
	p := v.(*pendingRequest)
	select {
	case p.fail <- err:
	default:
	}
}

// awaitCompletion blocks until the body returned to the Transfer
// Orchestrator has been closed, i.e. the transfer has ended.
func (h *Hub) awaitCompletion(id string) {
	v, ok := h.pending.Load(id)
	if !ok {
		return
	}
	p := v.(*pendingRequest)
	<-p.complete
}

func (h *Hub) lookupPending(id, agent, filename string) bool {
	v, ok := h.pending.Load(id)
	if !ok {
		return false
	}
	p := v.(*pendingRequest)
	return p.agent == agent && p.filename == filename
}

func (h *Hub) handleKeepalive(ac *agentConn) {
	if err := ac.send(relay.ControlMessage{Kind: relay.ControlPong}); err != nil {
		slog.Debugf("relay", "pong failed: %v", err)
	}
}
