package controller

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/soulfired/soulfired/internal/errs"
	"github.com/soulfired/soulfired/internal/relay"
	"github.com/soulfired/soulfired/internal/shareindex"
	"github.com/soulfired/soulfired/internal/slog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SharesApplier receives a decoded share-index upload and merges it into the
// Controller's Share Indexer.
type SharesApplier interface {
	ReplaceHost(host string, entries []shareindex.HostEntry)
}

// Router builds the Relay Plane's HTTP surface: the Agent control-channel
// upgrade endpoint and the two POST endpoints described in §4.4. maxFileSize
// bounds a relay file upload's request body (plus a small allowance for the
// multipart framing); reading past that limit fails with an error. For a
// share-index upload it bounds the description and database parts.
func Router(hub *Hub, shares SharesApplier, maxFileSize int64) http.Handler {
	r := chi.NewRouter()
	r.Get("/agents/{agent}/channel", websocketHandler(hub))
	r.Post("/files/{agent}/{id}", filesHandler(hub, maxFileSize))
	r.Post("/shares/{agent}/{id}", sharesHandler(hub, shares, maxFileSize))
	return r
}

func websocketHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent := chi.URLParam(r, "agent")
		secret := r.Header.Get("Authorization")
		if !hub.Authenticate(agent, bearerToken(secret)) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Errorf(agent, "websocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		unregister := hub.Register(agent, conn)
		defer unregister()
		slog.Logf(agent, "relay control channel connected")

		for {
			var msg relay.ControlMessage
			if err := conn.ReadJSON(&msg); err != nil {
				slog.Logf(agent, "relay control channel closed: %v", err)
				return
			}
			if msg.Kind == relay.ControlPing {
				hub.handleKeepalive(hub.connFor(agent))
			}
		}
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return header
}

func filesHandler(hub *Hub, maxFileSize int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent := chi.URLParam(r, "agent")
		id := chi.URLParam(r, "id")

		secret, ok := hub.agents[agent]
		if !ok {
			http.Error(w, "unknown agent", http.StatusNotFound)
			return
		}

		// Rejects an oversized body at the transport layer, per §4.4's
		// failure semantics, rather than silently truncating the file part.
		r.Body = http.MaxBytesReader(w, r.Body, maxFileSize+4096)

		mr, err := r.MultipartReader()
		if err != nil {
			http.Error(w, "expected multipart body", http.StatusBadRequest)
			return
		}

		credentialPart, err := mr.NextPart()
		if err != nil || credentialPart.FormName() != "credential" {
			http.Error(w, "missing credential part", http.StatusBadRequest)
			return
		}
		credentialBytes, err := io.ReadAll(io.LimitReader(credentialPart, 4096))
		if err != nil {
			http.Error(w, "reading credential", http.StatusBadRequest)
			return
		}
		credentialPart.Close()

		filename := hub.filenameFor(id)
		if filename == "" || !hub.lookupPending(id, agent, filename) {
			http.Error(w, "unknown or expired request", http.StatusNotFound)
			return
		}
		if !relay.VerifyCredential(secret, id, agent, filename, string(credentialBytes)) {
			hub.reject(id, errs.New(errs.Unauthorized, "relay.filesHandler", "credential mismatch"))
			http.Error(w, "credential mismatch", http.StatusUnauthorized)
			return
		}

		filePart, err := mr.NextPart()
		if err != nil || filePart.FormName() != "file" {
			http.Error(w, "missing file part", http.StatusBadRequest)
			return
		}

		limited := &multipartCloser{Reader: filePart, part: filePart}
		if err := hub.fulfill(id, limited); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}

		hub.awaitCompletion(id)
		w.WriteHeader(http.StatusOK)
	}
}

// multipartCloser adapts a *multipart.Part into the io.ReadCloser handed to
// the pending request; its size is bounded by the http.MaxBytesReader wrapped
// around the whole request body.
type multipartCloser struct {
	io.Reader
	part *multipart.Part
}

func (m *multipartCloser) Close() error { return m.part.Close() }

func sharesHandler(hub *Hub, shares SharesApplier, maxFileSize int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent := chi.URLParam(r, "agent")

		secret, ok := hub.agents[agent]
		if !ok {
			http.Error(w, "unknown agent", http.StatusNotFound)
			return
		}

		mr, err := r.MultipartReader()
		if err != nil {
			http.Error(w, "expected multipart body", http.StatusBadRequest)
			return
		}

		credentialPart, err := mr.NextPart()
		if err != nil || credentialPart.FormName() != "credential" {
			http.Error(w, "missing credential part", http.StatusBadRequest)
			return
		}
		credentialBytes, _ := io.ReadAll(io.LimitReader(credentialPart, 4096))
		credentialPart.Close()
		if subtle.ConstantTimeCompare(credentialBytes, []byte(secret)) != 1 {
			http.Error(w, "credential mismatch", http.StatusUnauthorized)
			return
		}

		descriptionPart, err := mr.NextPart()
		if err != nil || descriptionPart.FormName() != "description" {
			http.Error(w, "missing description part", http.StatusBadRequest)
			return
		}
		var entries []shareindex.HostEntry
		if err := json.NewDecoder(io.LimitReader(descriptionPart, maxFileSize)).Decode(&entries); err != nil {
			http.Error(w, "malformed share description", http.StatusBadRequest)
			return
		}
		descriptionPart.Close()

		// The portable index database itself travels alongside the
		// description but is not re-parsed here: the decoded entries are
		// authoritative for Browse/Search/Resolve against this host.
		if dbPart, err := mr.NextPart(); err == nil {
			io.Copy(io.Discard, io.LimitReader(dbPart, maxFileSize))
			dbPart.Close()
		}

		shares.ReplaceHost(agent, entries)
		slog.Logf(agent, "replaced share index: %d entries", len(entries))
		w.WriteHeader(http.StatusOK)
	}
}

func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Rejected:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// connFor and the request-id helpers below expose just enough of Hub's
// private state to the HTTP layer without making it part of Hub's public
// contract used by FileSource and the Agent package.
func (h *Hub) connFor(agent string) *agentConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[agent]
}

func (h *Hub) filenameFor(id string) string {
	v, ok := h.pending.Load(id)
	if !ok {
		return ""
	}
	return v.(*pendingRequest).filename
}
