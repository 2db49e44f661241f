package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulfired/soulfired/internal/transfer"
)

type fakeSource struct {
	files map[string][]byte
}

func (f *fakeSource) Stat(ctx context.Context, masked string) (int64, error) {
	data, ok := f.files[masked]
	if !ok {
		return 0, assertErr("not found")
	}
	return int64(len(data)), nil
}

func (f *fakeSource) Open(ctx context.Context, masked string) (io.ReadCloser, error) {
	data, ok := f.files[masked]
	if !ok {
		return nil, assertErr("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

type fakePeer struct{}

func (fakePeer) Upload(ctx context.Context, username, filename string, size int64, body io.Reader, cancel <-chan struct{}) error {
	_, err := io.Copy(io.Discard, body)
	return err
}
func (fakePeer) Download(ctx context.Context, username, filename string, dest io.WriterAt, size int64, startOffset int64, cancel <-chan struct{}) error {
	return nil
}
func (fakePeer) ConnectToUser(ctx context.Context, username string, invalidate bool) error {
	return nil
}
func (fakePeer) GetDownloadPlaceInQueue(ctx context.Context, username, filename string) (int, error) {
	return 0, nil
}
func (fakePeer) SendUploadSpeed(ctx context.Context, bps int64) error { return nil }

func newTestOrchestrator(t *testing.T) *transfer.Orchestrator {
	t.Helper()
	source := &fakeSource{files: map[string][]byte{"a.mp3": []byte("hello")}}
	return transfer.New(nil, source, fakePeer{}, transfer.Config{
		MaxConcurrentUploadsGlobal:    4,
		MaxConcurrentUploadsPerUser:   2,
		MaxConcurrentDownloadRequests: 5,
		IncompleteDirectory:           t.TempDir(),
		DownloadsDirectory:            t.TempDir(),
	})
}

func TestEnqueueDownloadThenListAndGet(t *testing.T) {
	orch := newTestOrchestrator(t)
	srv := httptest.NewServer(Router(orch))
	defer srv.Close()

	body := `[{"filename":"a.mp3","size":5}]`
	resp, err := http.Post(srv.URL+"/transfers/downloads/user/someone", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var records []transfer.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 1)
	id := records[0].ID

	listResp, err := http.Get(srv.URL + "/transfers/downloads")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var listed []transfer.Record
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&listed))
	assert.Len(t, listed, 1)

	getResp, err := http.Get(srv.URL + "/transfers/downloads/id/" + id)
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestGetUnknownTransferReturnsNotFound(t *testing.T) {
	orch := newTestOrchestrator(t)
	srv := httptest.NewServer(Router(orch))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/transfers/downloads/id/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteTransferIsIdempotent(t *testing.T) {
	orch := newTestOrchestrator(t)
	srv := httptest.NewServer(Router(orch))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/transfers/uploads/id/nonexistent", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestClearCompletedNoContent(t *testing.T) {
	orch := newTestOrchestrator(t)
	srv := httptest.NewServer(Router(orch))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/transfers/downloads/all/completed", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
