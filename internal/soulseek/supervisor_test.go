package soulseek

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulfired/soulfired/internal/errs"
	"github.com/soulfired/soulfired/internal/options"
	"github.com/soulfired/soulfired/internal/shareindex"
	"github.com/soulfired/soulfired/internal/state"
	"github.com/soulfired/soulfired/internal/transfer"
)

type fakeClient struct {
	mu           sync.Mutex
	connectCalls []time.Time
	failUntil    int // Connect fails this many times before succeeding
	patches      []Patch

	events chan Event
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan Event, 16)}
}

func (c *fakeClient) Connect(ctx context.Context, username, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCalls = append(c.connectCalls, time.Now())
	if len(c.connectCalls) <= c.failUntil {
		return assertErr("login rejected")
	}
	return nil
}
func (c *fakeClient) Disconnect(reason string) error { return nil }
func (c *fakeClient) ReconfigureOptions(patch Patch) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patches = append(c.patches, patch)
	return false, nil
}
func (c *fakeClient) Upload(ctx context.Context, username, filename string, size int64, body io.Reader, cancel <-chan struct{}) error {
	return nil
}
func (c *fakeClient) Download(ctx context.Context, username, filename string, dest io.WriterAt, size int64, startOffset int64, cancel <-chan struct{}) error {
	return nil
}
func (c *fakeClient) ConnectToUser(ctx context.Context, username string, invalidate bool) error {
	return nil
}
func (c *fakeClient) GetDownloadPlaceInQueue(ctx context.Context, username, filename string) (int, error) {
	return 0, nil
}
func (c *fakeClient) SetSharedCounts(directories, files int) error       { return nil }
func (c *fakeClient) SendUploadSpeed(ctx context.Context, bps int64) error { return nil }
func (c *fakeClient) JoinRoom(ctx context.Context, name string) error    { return nil }
func (c *fakeClient) LeaveRoom(ctx context.Context, name string) error   { return nil }
func (c *fakeClient) SendPrivateMessage(ctx context.Context, username, message string) error {
	return nil
}
func (c *fakeClient) SendRoomMessage(ctx context.Context, room, message string) error { return nil }
func (c *fakeClient) AcknowledgePrivateMessage(ctx context.Context, id int64) error   { return nil }
func (c *fakeClient) Events() <-chan Event                                           { return c.events }

type assertErr string

func (e assertErr) Error() string { return string(e) }

type fakeShareIndex struct{}

func (fakeShareIndex) Search(ctx context.Context, query string) ([]shareindex.FileRecord, error) {
	return nil, nil
}
func (fakeShareIndex) Browse() []shareindex.Directory                               { return nil }
func (fakeShareIndex) DirectoryContents(masked string) []shareindex.FileRecord      { return nil }
func (fakeShareIndex) Counts() (files, directories int)                            { return 0, 0 }

type fakeUploadRequester struct {
	record transfer.Record
	err    error
}

func (f fakeUploadRequester) RequestUpload(ctx context.Context, username, filename string) (transfer.Record, error) {
	return f.record, f.err
}

func testRegistryAndStore(t *testing.T) *options.Store {
	t.Helper()
	r := options.Default()
	store := options.NewStore(r)
	_, err := store.Load(map[string]any{
		"transfers.incompletedirectory": t.TempDir(),
		"transfers.downloadsdirectory":  t.TempDir(),
	}, nil)
	require.NoError(t, err)
	return store
}

func TestReconnectBackoffNonDecreasingAndBounded(t *testing.T) {
	oldBase, oldMax := reconnectBase, reconnectMax
	reconnectBase, reconnectMax = time.Millisecond, 20*time.Millisecond
	defer func() { reconnectBase, reconnectMax = oldBase, oldMax }()

	client := newFakeClient()
	client.failUntil = 2 // fail twice, succeed on the 3rd attempt

	optStore := testRegistryAndStore(t)
	_, err := optStore.Load(map[string]any{
		"transfers.incompletedirectory": t.TempDir(),
		"transfers.downloadsdirectory":  t.TempDir(),
		"soulseek.username":             "alice",
		"soulseek.password":             "secret",
	}, nil)
	require.NoError(t, err)

	sup := NewSupervisor(client, optStore, state.New("test"), fakeShareIndex{}, fakeUploadRequester{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sup.reconnectLoop(ctx)

	client.mu.Lock()
	calls := append([]time.Time(nil), client.connectCalls...)
	client.mu.Unlock()
	require.Len(t, calls, 3, "expected exactly 3 connect attempts before success")

	for i := 1; i < len(calls); i++ {
		gap := calls[i].Sub(calls[i-1])
		assert.GreaterOrEqual(t, gap, time.Duration(0))
		assert.LessOrEqual(t, gap, reconnectMax+10*time.Millisecond)
	}
}

func TestOptionsChangeFiltersToSoulseekPrefixAndPublishesPendingReconnect(t *testing.T) {
	client := newFakeClient()
	optStore := testRegistryAndStore(t)
	stateStore := state.New("test")

	sup := NewSupervisor(client, optStore, stateStore, fakeShareIndex{}, fakeUploadRequester{})
	require.NoError(t, sup.Start(context.Background()))

	stateStore.Update(func(st state.State) state.State {
		st.Server.Connected = true
		return st
	})

	_, err := optStore.Load(map[string]any{
		"transfers.incompletedirectory": optStore.Snapshot().String("transfers.incompletedirectory"),
		"transfers.downloadsdirectory":  optStore.Snapshot().String("transfers.downloadsdirectory"),
		"soulseek.listenport":           51000,
		"web.listenaddress":             "0.0.0.0:5030",
	}, nil)
	require.NoError(t, err)

	client.mu.Lock()
	patches := append([]Patch(nil), client.patches...)
	client.mu.Unlock()
	require.Len(t, patches, 1, "only the soulseek-prefixed change should trigger a patch")
	require.NotNil(t, patches[0].ConnectionOptions)
	assert.Equal(t, 51000, patches[0].ConnectionOptions.ListenPort)

	assert.True(t, stateStore.Get().PendingReconnect)
}

func TestResolveSearchRejectsBlacklistedUsername(t *testing.T) {
	client := newFakeClient()
	optStore := testRegistryAndStore(t)
	sup := NewSupervisor(client, optStore, state.New("test"), fakeShareIndex{}, fakeUploadRequester{})

	resp, err := sup.ResolveSearch(context.Background(), SearchRequest{Username: "eve", Query: "test"}, []string{"Eve"})
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestResolveEnqueueDownloadMapsNotFoundToRejected(t *testing.T) {
	client := newFakeClient()
	optStore := testRegistryAndStore(t)
	requester := fakeUploadRequester{err: errs.New(errs.NotFound, "transfer.RequestUpload", "File not shared")}
	sup := NewSupervisor(client, optStore, state.New("test"), fakeShareIndex{}, requester)

	_, err := sup.ResolveEnqueueDownload(context.Background(), "alice", "missing.mp3")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Rejected))
}
