package controller

import (
	"context"
	"io"
	"os"

	"github.com/soulfired/soulfired/internal/errs"
	"github.com/soulfired/soulfired/internal/shareindex"
)

// ShareIndex is the subset of the Share Indexer FileSource needs.
type ShareIndex interface {
	Lookup(masked string) (shareindex.FileRecord, bool)
	HostOf(masked string) (string, bool)
	Resolve(masked string) (string, error)
}

// FileSource implements transfer.FileBodySource for a Controller: masked
// paths belonging to the local host resolve through the Share Indexer as
// usual; masked paths belonging to an Agent are fetched over the Relay
// Plane on demand.
type FileSource struct {
	hub   *Hub
	index ShareIndex
	local LocalOpener
}

// LocalOpener opens a locally shared file by its resolved absolute path.
type LocalOpener interface {
	Open(absPath string) (io.ReadCloser, error)
}

// OSOpener is the default LocalOpener, backed directly by the filesystem.
type OSOpener struct{}

func (OSOpener) Open(absPath string) (io.ReadCloser, error) { return os.Open(absPath) }

// NewFileSource builds a relay-aware FileBodySource.
func NewFileSource(hub *Hub, index ShareIndex, local LocalOpener) *FileSource {
	return &FileSource{hub: hub, index: index, local: local}
}

func (f *FileSource) Stat(ctx context.Context, masked string) (int64, error) {
	rec, ok := f.index.Lookup(masked)
	if !ok {
		return 0, errs.New(errs.NotFound, "relay.FileSource.Stat", "file not shared")
	}
	return int64(rec.Size), nil
}

func (f *FileSource) Open(ctx context.Context, masked string) (io.ReadCloser, error) {
	host, ok := f.index.HostOf(masked)
	if !ok {
		return nil, errs.New(errs.NotFound, "relay.FileSource.Open", "file not shared")
	}
	if host == "" {
		absPath, err := f.index.Resolve(masked)
		if err != nil {
			return nil, err
		}
		return f.local.Open(absPath)
	}
	return f.hub.RequestFile(ctx, host, masked)
}
