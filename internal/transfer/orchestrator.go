package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/soulfired/soulfired/internal/errs"
	"github.com/soulfired/soulfired/internal/slog"
)

// PeerClient is the subset of the external Soulseek protocol client the
// orchestrator needs to drive a transfer. Kept narrow and owned here
// (rather than imported from the soulseek package) so transfer has no
// dependency on the supervisor that wires it — soulseek.Client happens to
// satisfy this interface.
type PeerClient interface {
	Upload(ctx context.Context, username, filename string, size int64, body io.Reader, cancel <-chan struct{}) error
	Download(ctx context.Context, username, filename string, dest io.WriterAt, size int64, startOffset int64, cancel <-chan struct{}) error
	ConnectToUser(ctx context.Context, username string, invalidateCache bool) error
	GetDownloadPlaceInQueue(ctx context.Context, username, filename string) (int, error)
	SendUploadSpeed(ctx context.Context, bps int64) error
}

// FileBodySource resolves a masked filename to a readable body. The local
// implementation wraps the Share Indexer; the Controller-mode
// implementation wraps the Relay Plane.
type FileBodySource interface {
	Stat(ctx context.Context, masked string) (size int64, err error)
	Open(ctx context.Context, masked string) (io.ReadCloser, error)
}

// DownloadRequest is one file a local user wants from a remote peer.
type DownloadRequest struct {
	Filename string
	Size     uint64
}

type tracked struct {
	mu     sync.Mutex
	record Record
	cancel context.CancelFunc
}

// Orchestrator is the Transfer Orchestrator (C6).
type Orchestrator struct {
	store  *Store
	source FileBodySource
	peer   PeerClient

	governor Governor

	slots            *slotManager
	downloadSem      *downloadLimiter
	downloadSingle   singleflight.Group
	incompleteDir    string
	downloadsDir     string

	mu      sync.Mutex
	byID    map[string]*tracked
	byUpKey map[string]string // "username\x00filename" -> transfer id, uploads only
	queue   *uploadQueue
	seq     int64
}

// Config bundles the Orchestrator's tunables (§4.2's concurrency limits
// plus filesystem locations for downloads).
type Config struct {
	MaxConcurrentUploadsGlobal      int64
	MaxConcurrentUploadsPerUser     int64
	MaxConcurrentDownloadRequests   int64
	IncompleteDirectory             string
	DownloadsDirectory              string
	Governor                        Governor
}

// New builds an Orchestrator. store may be nil for tests that don't need
// durability.
func New(store *Store, source FileBodySource, peer PeerClient, cfg Config) *Orchestrator {
	gov := cfg.Governor
	if gov == nil {
		gov = NoGovernor
	}
	return &Orchestrator{
		store:         store,
		source:        source,
		peer:          peer,
		governor:      gov,
		slots:         newSlotManager(cfg.MaxConcurrentUploadsGlobal, cfg.MaxConcurrentUploadsPerUser),
		downloadSem:   newDownloadLimiter(cfg.MaxConcurrentDownloadRequests),
		incompleteDir: cfg.IncompleteDirectory,
		downloadsDir:  cfg.DownloadsDirectory,
		byID:          map[string]*tracked{},
		byUpKey:       map[string]string{},
		queue:         newUploadQueue(),
	}
}

func upKey(username, filename string) string { return username + "\x00" + filename }

func (o *Orchestrator) persist(t *tracked) {
	if o.store == nil {
		return
	}
	if err := o.store.Put(t.record); err != nil {
		slog.Errorf(t.record.ID, "persisting transfer record: %v", err)
	}
}

// RequestUpload handles a remote peer asking to download filename from us
// (§4.2's "Upload request handling"). A re-request for a still-active
// (username, filename) pair returns the existing record's id and place in
// queue rather than creating a duplicate, resolving §9's open question.
func (o *Orchestrator) RequestUpload(ctx context.Context, username, filename string) (Record, error) {
	size, err := o.source.Stat(ctx, filename)
	if err != nil {
		return Record{}, errs.New(errs.NotFound, "transfer.RequestUpload", "File not shared")
	}

	o.mu.Lock()
	if id, ok := o.byUpKey[upKey(username, filename)]; ok {
		if t, ok := o.byID[id]; ok {
			t.mu.Lock()
			rec := t.record
			if rec.NonTerminal() {
				place := o.queue.PlaceInQueue(id)
				if place > 0 {
					rec.PlaceInQueue = &place
				}
				t.mu.Unlock()
				o.mu.Unlock()
				return rec, nil
			}
			t.mu.Unlock()
		}
	}

	id := uuid.NewString()
	opCtx, cancel := context.WithCancel(context.Background())
	o.seq++
	seq := o.seq
	rec := Record{
		ID:          id,
		Direction:   Upload,
		Username:    username,
		Filename:    filename,
		Size:        uint64(size),
		RequestedAt: time.Now(),
		State:       Queued,
		seq:         seq,
	}
	t := &tracked{record: rec, cancel: cancel}
	o.byID[id] = t
	o.byUpKey[upKey(username, filename)] = id
	o.queue.Add(id, seq)
	o.mu.Unlock()

	o.persist(t)
	go o.runUpload(opCtx, t)

	return rec, nil
}

func (o *Orchestrator) runUpload(ctx context.Context, t *tracked) {
	t.mu.Lock()
	username, filename := t.record.Username, t.record.Filename
	t.mu.Unlock()

	userSlot := o.slots.userSlot(username)
	defer o.slots.release(username)

	if err := o.slots.global.Acquire(ctx, 1); err != nil {
		o.completeUpload(t, Cancelled, "")
		return
	}
	defer o.slots.global.Release(1)

	if err := userSlot.sem.Acquire(ctx, 1); err != nil {
		o.completeUpload(t, Cancelled, "")
		return
	}
	defer userSlot.sem.Release(1)

	o.mu.Lock()
	o.queue.Remove(t.record.ID)
	o.mu.Unlock()

	o.transitionUpload(t, Initializing, "")

	body, err := o.source.Open(ctx, filename)
	if err != nil {
		o.completeUpload(t, Errored, err.Error())
		return
	}
	defer body.Close()

	o.transitionUpload(t, InProgress, "")
	now := time.Now()
	t.mu.Lock()
	t.record.StartedAt = &now
	t.mu.Unlock()
	o.persist(t)

	paced := &pacedReader{r: body, governor: o.governor, token: t.record.ID, onProgress: func(n int64) {
		t.mu.Lock()
		t.record.BytesTransferred = uint64(n)
		t.mu.Unlock()
	}}

	cancelCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(cancelCh)
	}()

	err = o.peer.Upload(ctx, username, filename, int64(t.record.Size), paced, cancelCh)
	if err != nil {
		if ctx.Err() != nil {
			o.completeUpload(t, Cancelled, "")
			return
		}
		o.completeUpload(t, Errored, err.Error())
		return
	}

	o.completeUpload(t, Succeeded, "")

	t.mu.Lock()
	elapsed := time.Since(*t.record.StartedAt).Seconds()
	bytes := t.record.BytesTransferred
	t.mu.Unlock()
	if elapsed > 0 {
		bps := int64(float64(bytes) / elapsed)
		if err := o.peer.SendUploadSpeed(context.Background(), bps); err != nil {
			slog.Errorf(username, "publishing upload speed: %v", err)
		}
	}
}

func (o *Orchestrator) transitionUpload(t *tracked, state State, exception string) {
	t.mu.Lock()
	t.record.State = state
	if exception != "" {
		t.record.Exception = exception
	}
	t.mu.Unlock()
	o.persist(t)
}

func (o *Orchestrator) completeUpload(t *tracked, completion CompletionState, exception string) {
	o.mu.Lock()
	o.queue.Remove(t.record.ID)
	delete(o.byUpKey, upKey(t.record.Username, t.record.Filename))
	o.mu.Unlock()

	now := time.Now()
	t.mu.Lock()
	t.record.State = Completed
	t.record.Completion = completion
	t.record.EndedAt = &now
	if exception != "" {
		t.record.Exception = exception
	}
	if t.record.BytesTransferred > t.record.Size {
		t.record.BytesTransferred = t.record.Size
	}
	avg := 0.0
	if t.record.StartedAt != nil {
		if secs := now.Sub(*t.record.StartedAt).Seconds(); secs > 0 {
			avg = float64(t.record.BytesTransferred) / secs
		}
	}
	t.record.AverageSpeed = avg
	t.mu.Unlock()
	slog.Logf(t.record.Username, "upload of %s (%s) finished: %s", t.record.Filename, humanize.Bytes(uint64(t.record.BytesTransferred)), completion)
	o.persist(t)
}

// Get returns a snapshot of one transfer's current record.
func (o *Orchestrator) Get(id string) (Record, bool) {
	o.mu.Lock()
	t, ok := o.byID[id]
	o.mu.Unlock()
	if !ok {
		return Record{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record, true
}

// List returns a snapshot of every tracked transfer, optionally restricted
// to one direction and excluding Removed records.
func (o *Orchestrator) List(direction *Direction) []Record {
	o.mu.Lock()
	ts := make([]*tracked, 0, len(o.byID))
	for _, t := range o.byID {
		ts = append(ts, t)
	}
	o.mu.Unlock()

	out := make([]Record, 0, len(ts))
	for _, t := range ts {
		t.mu.Lock()
		r := t.record
		t.mu.Unlock()
		if r.Removed {
			continue
		}
		if direction != nil && r.Direction != *direction {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Cancel triggers id's cancellation handle, transitioning it to
// Completed,Cancelled if it was non-terminal. Idempotent: cancelling an
// unknown or already-removed id is not an error.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	t, ok := o.byID[id]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	t.mu.Lock()
	nonTerminal := t.record.NonTerminal()
	t.mu.Unlock()
	if nonTerminal {
		t.cancel()
	}
	return nil
}

// Remove removes id's record (cancelling first if non-terminal). Idempotent:
// removing an already-removed or unknown id is not an error.
func (o *Orchestrator) Remove(id string) error {
	o.mu.Lock()
	t, ok := o.byID[id]
	if ok {
		delete(o.byID, id)
	}
	o.mu.Unlock()
	if !ok {
		return nil
	}
	t.cancel()
	t.mu.Lock()
	t.record.Removed = true
	t.mu.Unlock()
	if o.store != nil {
		if err := o.store.Delete(id); err != nil {
			return err
		}
	}
	return nil
}

// ClearCompleted removes every record whose state is Completed.
func (o *Orchestrator) ClearCompleted() error {
	o.mu.Lock()
	var toRemove []string
	for id, t := range o.byID {
		t.mu.Lock()
		done := t.record.InCompletedCategory()
		t.mu.Unlock()
		if done {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		delete(o.byID, id)
	}
	o.mu.Unlock()

	if o.store != nil {
		return o.store.ClearCompleted()
	}
	return nil
}

// OnReconnect implements §4.2's reconnect-driven behavior: queued uploads
// remain queued; in-flight transfers are marked failed with a retriable
// cause and re-queued unless they were already being cancelled.
func (o *Orchestrator) OnReconnect() {
	o.mu.Lock()
	inFlight := make([]*tracked, 0)
	for _, t := range o.byID {
		t.mu.Lock()
		if t.record.State == Initializing || t.record.State == InProgress {
			inFlight = append(inFlight, t)
		}
		t.mu.Unlock()
	}
	o.mu.Unlock()

	for _, t := range inFlight {
		t.mu.Lock()
		cancelled := t.record.State == Completed
		t.mu.Unlock()
		if cancelled {
			continue
		}
		t.mu.Lock()
		t.record.State = Queued
		t.record.Exception = "connection lost; re-queued"
		t.mu.Unlock()
		o.persist(t)
		o.mu.Lock()
		o.queue.Add(t.record.ID, t.record.seq)
		o.mu.Unlock()
	}
}

// EnqueueDownload handles a local user requesting files from username
// (§4.2's "Download request handling"). Admission is additionally gated by
// a single in-flight enqueue per peer: a concurrent caller for the same
// peer waits for the in-flight enqueue to finish and then gets RateLimited.
func (o *Orchestrator) EnqueueDownload(ctx context.Context, username string, requests []DownloadRequest) ([]Record, error) {
	if !o.downloadSem.TryAcquire() {
		return nil, errs.New(errs.RateLimited, "transfer.EnqueueDownload", "too many concurrent download enqueues")
	}
	defer o.downloadSem.Release()

	led := false
	v, err, _ := o.downloadSingle.Do(username, func() (any, error) {
		led = true
		if err := o.peer.ConnectToUser(ctx, username, true); err != nil {
			return nil, errs.Wrap(errs.TransportFailure, "transfer.EnqueueDownload", "priming peer connection failed", err)
		}

		records := make([]Record, 0, len(requests))
		for _, req := range requests {
			rec, err := o.enqueueOneDownload(ctx, username, req)
			if err != nil {
				return records, err
			}
			records = append(records, rec)
		}
		return records, nil
	})
	if !led {
		return nil, errs.New(errs.RateLimited, "transfer.EnqueueDownload", "an enqueue for this peer is already in flight")
	}

	if records, ok := v.([]Record); ok {
		return records, err
	}
	return nil, err
}

func (o *Orchestrator) enqueueOneDownload(ctx context.Context, username string, req DownloadRequest) (Record, error) {
	id := uuid.NewString()
	opCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.seq++
	rec := Record{
		ID: id, Direction: Download, Username: username, Filename: req.Filename,
		Size: req.Size, RequestedAt: time.Now(), State: Requested, seq: o.seq,
	}
	t := &tracked{record: rec, cancel: cancel}
	o.byID[id] = t
	o.mu.Unlock()
	o.persist(t)

	reached := make(chan struct{})
	failed := make(chan error, 1)
	go o.runDownload(opCtx, t, reached, failed)

	select {
	case <-reached:
		t.mu.Lock()
		r := t.record
		t.mu.Unlock()
		return r, nil
	case err := <-failed:
		if errs.Is(err, errs.Rejected) {
			return Record{}, err
		}
		if err != nil {
			return Record{}, errs.Wrap(errs.TransportFailure, "transfer.EnqueueDownload", "download failed before enqueue", err)
		}
		return Record{}, nil
	case <-ctx.Done():
		cancel()
		return Record{}, ctx.Err()
	}
}

func (o *Orchestrator) runDownload(ctx context.Context, t *tracked, reached chan<- struct{}, failed chan<- error) {
	t.mu.Lock()
	username, filename := t.record.Username, t.record.Filename
	size := t.record.Size
	t.mu.Unlock()

	if err := os.MkdirAll(o.incompleteDir, 0o755); err != nil {
		o.finishDownload(t, Errored, err.Error())
		select {
		case failed <- err:
		default:
		}
		return
	}

	incompletePath := filepath.Join(o.incompleteDir, filepath.FromSlash(username), filepath.FromSlash(filename))
	if err := os.MkdirAll(filepath.Dir(incompletePath), 0o755); err != nil {
		o.finishDownload(t, Errored, err.Error())
		select {
		case failed <- err:
		default:
		}
		return
	}
	dest, err := os.OpenFile(incompletePath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		o.finishDownload(t, Errored, err.Error())
		select {
		case failed <- err:
		default:
		}
		return
	}
	defer dest.Close()

	o.transitionDownload(t, Queued)
	once := make(chan struct{})
	closeOnce := sync.OnceFunc(func() { close(once) })

	cancelCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(cancelCh)
	}()

	go func() {
		// The race between "enqueue acknowledged" and "download task
		// failed before that point" is modeled by watching the state
		// transition performed inside Download's progress callback
		// (simulated here by polling the record, matching the
		// synchronous resolver contract of §4.3).
		for {
			t.mu.Lock()
			state := t.record.State
			t.mu.Unlock()
			if state == Queued || state == Initializing {
				closeOnce()
				return
			}
			if state == Completed {
				return
			}
			select {
			case <-time.After(10 * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
	}()

	o.transitionDownload(t, Initializing)

	select {
	case <-once:
		select {
		case reached <- struct{}{}:
		default:
		}
	case <-ctx.Done():
	}

	err = o.peer.Download(ctx, username, filename, dest, int64(size), 0, cancelCh)
	if err != nil {
		kind := errs.TransportFailure
		completion := Errored
		if errs.Is(err, errs.Rejected) {
			kind = errs.Rejected
			completion = Rejected
		} else if ctx.Err() != nil {
			completion = Cancelled
		}
		o.finishDownload(t, completion, err.Error())
		select {
		case failed <- errs.Wrap(kind, "transfer.runDownload", "download failed", err):
		default:
		}
		return
	}

	dest.Close()
	finalPath := filepath.Join(o.downloadsDir, filepath.FromSlash(username), filepath.FromSlash(filename))
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err == nil {
		_ = os.Rename(incompletePath, finalPath)
		removeIfEmpty(filepath.Dir(incompletePath))
	}

	o.finishDownload(t, Succeeded, "")
}

func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
}

func (o *Orchestrator) transitionDownload(t *tracked, state State) {
	t.mu.Lock()
	t.record.State = state
	t.mu.Unlock()
	o.persist(t)
}

func (o *Orchestrator) finishDownload(t *tracked, completion CompletionState, exception string) {
	now := time.Now()
	t.mu.Lock()
	t.record.State = Completed
	t.record.Completion = completion
	t.record.EndedAt = &now
	if exception != "" {
		t.record.Exception = exception
	}
	t.mu.Unlock()
	slog.Logf(t.record.Username, "download of %s (%s) finished: %s", t.record.Filename, humanize.Bytes(uint64(t.record.BytesTransferred)), completion)
	o.persist(t)
}
