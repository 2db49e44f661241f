package transfer

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	files map[string][]byte
}

func (f *fakeSource) Stat(ctx context.Context, masked string) (int64, error) {
	data, ok := f.files[masked]
	if !ok {
		return 0, errNotFound
	}
	return int64(len(data)), nil
}

func (f *fakeSource) Open(ctx context.Context, masked string) (io.ReadCloser, error) {
	data, ok := f.files[masked]
	if !ok {
		return nil, errNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

var errNotFound = assertError("not found")

type assertError string

func (e assertError) Error() string { return string(e) }

type fakePeer struct {
	mu        sync.Mutex
	completed int
	gate      chan struct{} // closed to let uploads proceed past admission, for ordering tests
}

func (p *fakePeer) Upload(ctx context.Context, username, filename string, size int64, body io.Reader, cancel <-chan struct{}) error {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-cancel:
			return context.Canceled
		}
	}
	_, err := io.Copy(io.Discard, body)
	p.mu.Lock()
	p.completed++
	p.mu.Unlock()
	return err
}

func (p *fakePeer) Download(ctx context.Context, username, filename string, dest io.WriterAt, size int64, startOffset int64, cancel <-chan struct{}) error {
	_, err := dest.WriteAt([]byte(strings.Repeat("x", int(size))), 0)
	return err
}
func (p *fakePeer) ConnectToUser(ctx context.Context, username string, invalidate bool) error { return nil }
func (p *fakePeer) GetDownloadPlaceInQueue(ctx context.Context, username, filename string) (int, error) {
	return 0, nil
}
func (p *fakePeer) SendUploadSpeed(ctx context.Context, bps int64) error { return nil }

func newTestOrchestrator(t *testing.T, maxGlobal, maxPerUser int64, peer *fakePeer) *Orchestrator {
	t.Helper()
	source := &fakeSource{files: map[string][]byte{
		"a.mp3": bytes.Repeat([]byte{1}, 100),
		"b.mp3": bytes.Repeat([]byte{2}, 100),
	}}
	return New(nil, source, peer, Config{
		MaxConcurrentUploadsGlobal:    maxGlobal,
		MaxConcurrentUploadsPerUser:   maxPerUser,
		MaxConcurrentDownloadRequests: 5,
		IncompleteDirectory:           t.TempDir(),
		DownloadsDirectory:            t.TempDir(),
	})
}

func waitForState(t *testing.T, o *Orchestrator, id string, want State, timeout time.Duration) Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, ok := o.Get(id)
		if ok && rec.State == want {
			return rec
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("transfer %s did not reach state %s", id, want)
	return Record{}
}

func TestUploadNotSharedReturnsNotFound(t *testing.T) {
	o := newTestOrchestrator(t, 5, 5, &fakePeer{})
	_, err := o.RequestUpload(context.Background(), "alice", "missing.mp3")
	require.Error(t, err)
}

func TestUploadRerequestReturnsSameRecord(t *testing.T) {
	peer := &fakePeer{gate: make(chan struct{})}
	o := newTestOrchestrator(t, 5, 5, peer)

	first, err := o.RequestUpload(context.Background(), "alice", "a.mp3")
	require.NoError(t, err)

	second, err := o.RequestUpload(context.Background(), "alice", "a.mp3")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	close(peer.gate)
	waitForState(t, o, first.ID, Completed, time.Second)
}

func TestGlobalSlotEnforcement(t *testing.T) {
	peer := &fakePeer{gate: make(chan struct{})}
	o := newTestOrchestrator(t, 1, 5, peer)

	first, err := o.RequestUpload(context.Background(), "alice", "a.mp3")
	require.NoError(t, err)
	second, err := o.RequestUpload(context.Background(), "bob", "b.mp3")
	require.NoError(t, err)

	waitForState(t, o, first.ID, InProgress, time.Second)
	time.Sleep(20 * time.Millisecond)
	rec, _ := o.Get(second.ID)
	assert.Equal(t, Queued, rec.State, "second transfer must stay Queued while the only global slot is held")

	close(peer.gate)
	waitForState(t, o, first.ID, Completed, time.Second)
	waitForState(t, o, second.ID, Completed, time.Second)

	r1, _ := o.Get(first.ID)
	r2, _ := o.Get(second.ID)
	assert.Equal(t, Succeeded, r1.Completion)
	assert.Equal(t, Succeeded, r2.Completion)
}

func TestCancelThenRemoveIsIdempotent(t *testing.T) {
	peer := &fakePeer{gate: make(chan struct{})}
	o := newTestOrchestrator(t, 5, 5, peer)

	rec, err := o.RequestUpload(context.Background(), "alice", "a.mp3")
	require.NoError(t, err)

	require.NoError(t, o.Cancel(rec.ID))
	require.NoError(t, o.Remove(rec.ID))
	require.NoError(t, o.Cancel(rec.ID))
	require.NoError(t, o.Remove(rec.ID))

	_, ok := o.Get(rec.ID)
	assert.False(t, ok)
}

func TestEnqueueDownloadSingleSlotRateLimits(t *testing.T) {
	peer := &fakePeer{}
	o := newTestOrchestrator(t, 5, 5, peer)
	o.downloadSem = newDownloadLimiter(1)
	require.True(t, o.downloadSem.TryAcquire())

	_, err := o.EnqueueDownload(context.Background(), "alice", []DownloadRequest{{Filename: "x.mp3", Size: 10}})
	require.Error(t, err)
}

func TestNoGovernorReturnsZero(t *testing.T) {
	assert.Equal(t, time.Duration(0), NoGovernor(100, time.Second, nil))
}
