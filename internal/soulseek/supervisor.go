package soulseek

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/soulfired/soulfired/internal/errs"
	"github.com/soulfired/soulfired/internal/options"
	"github.com/soulfired/soulfired/internal/shareindex"
	"github.com/soulfired/soulfired/internal/slog"
	"github.com/soulfired/soulfired/internal/state"
	"github.com/soulfired/soulfired/internal/transfer"
)

// ShareIndex is the subset of the Share Indexer the Supervisor's resolvers
// need.
type ShareIndex interface {
	Search(ctx context.Context, query string) ([]shareindex.FileRecord, error)
	Browse() []shareindex.Directory
	DirectoryContents(masked string) []shareindex.FileRecord
	Counts() (files, directories int)
}

// UploadRequester is the subset of the Transfer Orchestrator the enqueue-
// download resolver needs.
type UploadRequester interface {
	RequestUpload(ctx context.Context, username, filename string) (transfer.Record, error)
}

// Supervisor is the Soulseek Supervisor (C7). It owns the single protocol
// Client instance for the process's lifetime: NewSupervisor takes the
// already-constructed Client so the same instance can also be handed to the
// Transfer Orchestrator, instead of each owner building its own.
type Supervisor struct {
	client       Client
	options      *options.Store
	state        *state.Store
	index        ShareIndex
	orchestrator UploadRequester

	mu         sync.Mutex
	cancelLoop context.CancelFunc

	attempt int
}

// NewSupervisor wires the Supervisor's dependencies around a pre-built
// Client without starting anything; call Start to wire its event stream and
// (maybe) connect.
func NewSupervisor(client Client, optStore *options.Store, stateStore *state.Store, index ShareIndex, orchestrator UploadRequester) *Supervisor {
	return &Supervisor{client: client, options: optStore, state: stateStore, index: index, orchestrator: orchestrator}
}

// ClientOptionsFromSnapshot maps the options snapshot to the ClientOptions a
// Client constructor needs, so callers building the shared Client instance
// ahead of NewSupervisor use the same derivation the Supervisor uses
// internally when reacting to a soulseek.* options change.
func ClientOptionsFromSnapshot(snap options.Snapshot) ClientOptions {
	return ClientOptions{
		ListenPort:            snap.Int("soulseek.listenport"),
		DistributedChildLimit: snap.Int("soulseek.distributedchildlimit"),
		ConnectTimeout:        5 * time.Second,
		InactivityTimeout:     30 * time.Second,
	}
}

// Start wires the client's event stream, subscribes to future option
// changes, and connects if credentials are present and noConnect is false.
func (s *Supervisor) Start(ctx context.Context) error {
	snap := s.options.Snapshot()

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	go s.consumeEvents(ctx, client)

	s.options.Subscribe(func(previous, next options.Snapshot, changes []options.Change) {
		s.onOptionsChanged(previous, next, changes)
	})

	username := snap.String("soulseek.username")
	password := snap.String("soulseek.password")
	if username != "" && password != "" && !snap.Bool("soulseek.noconnect") {
		if err := client.Connect(ctx, username, password); err != nil {
			slog.Errorf("soulseek", "initial connect failed: %v", err)
		}
	}
	return nil
}

func (s *Supervisor) consumeEvents(ctx context.Context, client Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-client.Events():
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventConnected:
		s.state.Update(func(st state.State) state.State {
			st.Server.Connected = true
			return st
		})
	case EventLoggedIn:
		s.attempt = 0
		s.state.Update(func(st state.State) state.State {
			st.Server.LoggedIn = true
			return st
		})
	case EventDisconnected:
		s.state.Update(func(st state.State) state.State {
			st.Server.Connected = false
			st.Server.LoggedIn = false
			return st
		})
		s.handleDisconnect(ctx, ev.Cause)
	default:
		slog.Debugf("soulseek", "event %d: %s", ev.Kind, ev.Message)
	}
}

// handleDisconnect implements §4.3's disconnect classification.
func (s *Supervisor) handleDisconnect(ctx context.Context, cause DisconnectCause) {
	switch cause {
	case DisconnectShutdown, DisconnectUserInitiated, DisconnectDisposed:
		slog.Logf("soulseek", "disconnected (%v); no reconnect", cause)
		return
	case DisconnectLoginRejected, DisconnectKickedDuplicateLogin:
		slog.Errorf("soulseek", "disconnected (%v); not retrying automatically", cause)
		return
	default:
		go s.reconnectLoop(ctx)
	}
}

// reconnectBase and reconnectMax are vars, not consts, so tests can shrink
// them rather than waiting out real backoff delays.
var (
	reconnectBase = time.Second
	reconnectMax  = 300 * time.Second
)

// reconnectLoop performs unbounded exponential-backoff reconnect with
// jitter, using the latest credentials from the Options Store on every
// attempt, until ctx is cancelled or login succeeds.
func (s *Supervisor) reconnectLoop(ctx context.Context) {
	b := &backoff.Backoff{Min: reconnectBase, Max: reconnectMax, Factor: 2, Jitter: true}
	var prev time.Duration

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Jitter draws each delay at random between Min and the current
		// exponential step, so hold it at no less than the previous delay to
		// keep the sequence non-decreasing (still capped by Max).
		delay := b.Duration()
		if delay < prev {
			delay = prev
		}
		prev = delay
		s.attempt++
		slog.Logf("soulseek", "reconnect attempt %d in %s", s.attempt, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		snap := s.options.Snapshot()
		username := snap.String("soulseek.username")
		password := snap.String("soulseek.password")
		if username == "" || password == "" {
			continue
		}
		if err := client.Connect(ctx, username, password); err != nil {
			slog.Errorf("soulseek", "reconnect attempt %d failed: %v", s.attempt, err)
			continue
		}
		return
	}
}

// onOptionsChanged implements §4.3's options-reconfiguration behavior.
func (s *Supervisor) onOptionsChanged(previous, next options.Snapshot, changes []options.Change) {
	relevant := options.FilterPrefix(changes, "soulseek")
	if len(relevant) == 0 {
		return
	}

	var connectionChanged bool
	var restartRequired bool
	patch := Patch{}
	for _, c := range relevant {
		switch c.ChangeClass {
		case options.ChangeRequiresReconnect:
			connectionChanged = true
		case options.ChangeRequiresRestart:
			restartRequired = true
		}
	}
	if connectionChanged {
		opts := ClientOptionsFromSnapshot(next)
		patch.ConnectionOptions = &opts
	}

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	reconnectRequired, err := client.ReconfigureOptions(patch)
	if err != nil {
		slog.Errorf("soulseek", "applying options patch: %v", err)
	}

	if reconnectRequired || (connectionChanged && isConnected(s.state.Get())) {
		s.state.Update(func(st state.State) state.State {
			st.PendingReconnect = true
			return st
		})
	}
	if restartRequired {
		s.state.Update(func(st state.State) state.State {
			st.PendingRestart = true
			return st
		})
	}
}

func isConnected(st state.State) bool { return st.Server.Connected }

// ResolveUserInfo answers the protocol client's user-info resolver.
func (s *Supervisor) ResolveUserInfo(ctx context.Context, username string) (UserInfoResponse, error) {
	files, _ := s.index.Counts()
	return UserInfoResponse{
		Description: "soulfired",
		Picture:     nil,
		FreeSlots:   0,
		QueueLength: files,
	}, nil
}

// ResolveBrowse serializes the Share Indexer's browse view.
func (s *Supervisor) ResolveBrowse(ctx context.Context) BrowseResponse {
	dirs := s.index.Browse()
	out := BrowseResponse{Directories: make(map[string][]FileResult, len(dirs))}
	for _, d := range dirs {
		files := make([]FileResult, 0, len(d.Files))
		for _, f := range d.Files {
			files = append(files, FileResult{Filename: strings.ReplaceAll(f.Filename, "/", "\\"), Size: f.Size})
		}
		out.Directories[d.MaskedName] = files
	}
	return out
}

// ResolveDirectoryContents enumerates files in the requested masked
// directory. Unknown directories yield an empty slice, not an error.
func (s *Supervisor) ResolveDirectoryContents(ctx context.Context, masked string) []FileResult {
	files := s.index.DirectoryContents(masked)
	out := make([]FileResult, 0, len(files))
	for _, f := range files {
		out = append(out, FileResult{Filename: f.Filename, Size: f.Size})
	}
	return out
}

// ResolveSearch answers an inbound search, rejecting queries shorter than
// three characters and queries from a blacklisted username.
func (s *Supervisor) ResolveSearch(ctx context.Context, req SearchRequest, blacklist []string) (*SearchResponse, error) {
	for _, u := range blacklist {
		if strings.EqualFold(u, req.Username) {
			return nil, nil
		}
	}
	records, err := s.index.Search(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	files := make([]FileResult, 0, len(records))
	for _, r := range records {
		files = append(files, FileResult{Filename: r.Filename, Size: r.Size})
	}
	return &SearchResponse{
		Username: req.Username,
		Token:    req.Token,
		Files:    files,
	}, nil
}

// ResolveEnqueueDownload delegates an inbound download request to the
// Transfer Orchestrator, mapping its error kinds to the protocol's explicit
// rejection channel rather than letting an arbitrary error escape (§7).
func (s *Supervisor) ResolveEnqueueDownload(ctx context.Context, username, filename string) (placeInQueue int, err error) {
	rec, err := s.orchestrator.RequestUpload(ctx, username, filename)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return 0, errs.New(errs.Rejected, "soulseek.ResolveEnqueueDownload", "File not shared")
		}
		return 0, errs.Wrap(errs.TransportFailure, "soulseek.ResolveEnqueueDownload", "enqueue failed", err)
	}
	if rec.PlaceInQueue != nil {
		placeInQueue = *rec.PlaceInQueue
	}
	return placeInQueue, nil
}
