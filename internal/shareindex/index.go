package shareindex

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/soulfired/soulfired/internal/errs"
	"github.com/soulfired/soulfired/internal/slog"
)

type fileEntry struct {
	record  FileRecord
	absPath string
	host    string
}

// snapshot is the immutable, atomically-swapped view Search/Browse/Resolve
// read from. A build constructs a private snapshot and only publishes it
// once complete, so readers never observe a partially built index.
type snapshot struct {
	shares      map[Mask]RootConfig
	byMasked    map[string]fileEntry
	directories []Directory
	db          *sql.DB
}

// ProgressFunc receives coarse progress updates during a Fill: emitted at
// integer-percent boundaries and at phase transitions, never per file.
type ProgressFunc func(percent int, phase string)

// Indexer owns the share index: the build protocol, the atomically-swapped
// snapshot, and the Search/Browse/Resolve query surface.
type Indexer struct {
	buildMu sync.Mutex // serializes Fill; readers never wait on it

	cur atomic.Pointer[snapshot]

	roots           []RootConfig
	collisionPolicy CollisionPolicy
	dbPath          string
	extractor       AttributeExtractor
	onProgress      ProgressFunc
}

// New builds an Indexer over the given roots. dbPath is the portable FTS
// database file; "" uses an in-memory database (useful for tests).
func New(roots []RootConfig, policy CollisionPolicy, dbPath string) *Indexer {
	idx := &Indexer{
		roots:           roots,
		collisionPolicy: policy,
		dbPath:          dbPath,
		extractor:       defaultAttributeExtractor,
	}
	empty := &snapshot{shares: map[Mask]RootConfig{}, byMasked: map[string]fileEntry{}}
	idx.cur.Store(empty)
	return idx
}

// OnProgress installs a callback for coarse Fill progress updates.
func (idx *Indexer) OnProgress(fn ProgressFunc) { idx.onProgress = fn }

func (idx *Indexer) emit(percent int, phase string) {
	if idx.onProgress != nil {
		idx.onProgress(percent, phase)
	}
}

// SetExtractor overrides the default extension-only attribute extractor.
func (idx *Indexer) SetExtractor(fn AttributeExtractor) { idx.extractor = fn }

// SetRoots replaces the configured roots for the next Fill (a shared-
// directory configuration change, per §4.1's lifecycle).
func (idx *Indexer) SetRoots(roots []RootConfig) { idx.roots = roots }

type walkedFile struct {
	mask    Mask
	host    string
	masked  string
	absPath string
	size    uint64
}

// Fill performs a full scan of every configured root and atomically swaps
// the result into place. A failed scan never leaves a partial snapshot
// visible: the previous snapshot remains live and the error is returned for
// logging, with the indexer's faulted state left to the caller (typically
// wired to the State Store) to record.
func (idx *Indexer) Fill(ctx context.Context) (err error) {
	idx.buildMu.Lock()
	defer idx.buildMu.Unlock()

	idx.emit(0, "scanning")

	masks := assignMasks(idx.roots)
	shares := make(map[Mask]RootConfig, len(masks))
	for m, r := range masks {
		shares[m] = r
	}

	var (
		mu       sync.Mutex
		walked   []walkedFile
		excluded int64
	)

	g, gctx := errgroup.WithContext(ctx)
	for mask, root := range masks {
		mask, root := mask, root
		g.Go(func() error {
			files, excludedHere, werr := walkRoot(gctx, mask, root)
			if werr != nil {
				// A missing or unreadable root degrades gracefully: log and
				// skip rather than failing the whole build.
				slog.Errorf(root.Root, "skipping root: %v", werr)
				return nil
			}
			mu.Lock()
			walked = append(walked, files...)
			atomic.AddInt64(&excluded, excludedHere)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		idx.emit(0, "faulted")
		return err
	}

	idx.emit(40, "building")

	dbPath := idx.dbPath
	if dbPath == "" {
		dbPath = ":memory:"
	} else {
		dbPath = dbPath + ".building"
	}
	db, err := openFTSDatabase(ctx, dbPath)
	if err != nil {
		idx.emit(0, "faulted")
		return errs.Wrap(errs.TransportFailure, "shareindex.Fill", "open fts database", err)
	}

	byMasked := make(map[string]fileEntry, len(walked))
	dirFiles := map[string][]FileRecord{}
	dirOrder := []string{}
	seenDir := map[string]bool{}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		db.Close()
		idx.emit(0, "faulted")
		return errs.Wrap(errs.TransportFailure, "shareindex.Fill", "begin fts transaction", err)
	}

	lastPercent := 40
	for i, wf := range walked {
		existing, collided := byMasked[wf.masked]
		if collided {
			slog.Errorf(wf.masked, "masked path collision between %q and %q", existing.absPath, wf.absPath)
			if idx.collisionPolicy == FailBuild {
				tx.Rollback()
				db.Close()
				idx.emit(0, "faulted")
				return errs.New(errs.ConfigurationInvalid, "shareindex.Fill",
					fmt.Sprintf("masked path collision: %s", wf.masked))
			}
			// LastWriteWins: fall through and overwrite below.
		}

		attrs := idx.extractor(wf.absPath, wf.size)
		record := FileRecord{
			Filename:   wf.masked,
			Size:       wf.size,
			Extension:  extensionOf(wf.masked),
			Attributes: attrs,
		}
		byMasked[wf.masked] = fileEntry{record: record, absPath: wf.absPath, host: wf.host}

		dir := maskedDirectory(wf.masked)
		if !seenDir[dir] {
			seenDir[dir] = true
			dirOrder = append(dirOrder, dir)
		}
		replaced := false
		if collided {
			for j := range dirFiles[dir] {
				if dirFiles[dir][j].Filename == wf.masked {
					dirFiles[dir][j] = record
					replaced = true
					break
				}
			}
		}
		if !replaced {
			dirFiles[dir] = append(dirFiles[dir], record)
		}

		if err := insertEntry(ctx, tx, wf.host, wf.masked, tokenize(wf.masked)); err != nil {
			tx.Rollback()
			db.Close()
			idx.emit(0, "faulted")
			return errs.Wrap(errs.TransportFailure, "shareindex.Fill", "insert fts entry", err)
		}

		if pct := 40 + (i+1)*50/maxInt(len(walked), 1); pct > lastPercent {
			lastPercent = pct
			idx.emit(pct, "building")
		}
	}

	if err := tx.Commit(); err != nil {
		db.Close()
		idx.emit(0, "faulted")
		return errs.Wrap(errs.TransportFailure, "shareindex.Fill", "commit fts transaction", err)
	}

	directories := make([]Directory, 0, len(dirOrder))
	for _, dir := range dirOrder {
		directories = append(directories, Directory{MaskedName: dir, Files: dirFiles[dir]})
	}

	next := &snapshot{shares: shares, byMasked: byMasked, directories: directories, db: db}
	old := idx.cur.Swap(next)
	if old != nil && old.db != nil {
		old.db.Close()
	}
	if idx.dbPath != "" {
		_ = os.Rename(idx.dbPath+".building", idx.dbPath)
	}

	idx.emit(100, "idle")
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// walkRoot expands one root recursively, applying its filters to the
// masked path of every candidate file.
func walkRoot(ctx context.Context, mask Mask, root RootConfig) ([]walkedFile, int64, error) {
	if _, err := os.Stat(root.Root); err != nil {
		return nil, 0, err
	}

	var (
		out      []walkedFile
		excluded int64
	)
	err := filepath.WalkDir(root.Root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			// I/O errors on individual entries skip that entry, not the build.
			slog.Errorf(path, "skipping: %v", err)
			return nil
		}
		rel, relErr := filepath.Rel(root.Root, path)
		if relErr != nil {
			return nil
		}
		if rel == "." {
			return nil
		}
		masked := maskedPath(mask, rel)

		if d.IsDir() {
			if !root.Filters.Allows(masked) {
				excluded++
				return fs.SkipDir
			}
			return nil
		}
		if !root.Filters.Allows(masked) {
			excluded++
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			slog.Errorf(path, "skipping, stat failed: %v", statErr)
			return nil
		}
		out = append(out, walkedFile{
			mask:    mask,
			host:    root.Host,
			masked:  masked,
			absPath: path,
			size:    uint64(info.Size()),
		})
		return nil
	})
	return out, excluded, err
}

// Search returns every File Record whose full-text tokens match query.
// Queries shorter than three characters (after sanitization) return the
// empty set, per §4.1 and §8.
func (idx *Indexer) Search(ctx context.Context, query string) ([]FileRecord, error) {
	sanitized := sanitizeQuery(query)
	if !validQuery(sanitized) {
		return nil, nil
	}

	snap := idx.cur.Load()
	if snap.db == nil {
		return nil, nil
	}
	maskedHits, err := searchFTS(ctx, snap.db, sanitized)
	if err != nil {
		return nil, errs.Wrap(errs.TransportFailure, "shareindex.Search", "fts query failed", err)
	}

	seen := make(map[string]bool, len(maskedHits))
	out := make([]FileRecord, 0, len(maskedHits))
	for _, masked := range maskedHits {
		if seen[masked] {
			continue
		}
		seen[masked] = true
		if entry, ok := snap.byMasked[masked]; ok {
			out = append(out, entry.record)
		}
	}
	return out, nil
}

// Browse returns every Directory in insertion-stable order.
func (idx *Indexer) Browse() []Directory {
	snap := idx.cur.Load()
	out := make([]Directory, len(snap.directories))
	copy(out, snap.directories)
	return out
}

// DirectoryContents returns the files directly under a masked directory
// name. An unknown directory yields an empty slice, not an error, per §4.3.
func (idx *Indexer) DirectoryContents(masked string) []FileRecord {
	snap := idx.cur.Load()
	for _, dir := range snap.directories {
		if dir.MaskedName == masked {
			out := make([]FileRecord, len(dir.Files))
			copy(out, dir.Files)
			return out
		}
	}
	return nil
}

// Resolve reverses the mask map: given a masked path currently advertised
// by the index, it returns the absolute local path.
func (idx *Indexer) Resolve(masked string) (string, error) {
	snap := idx.cur.Load()
	entry, ok := snap.byMasked[masked]
	if !ok {
		return "", errs.New(errs.NotFound, "shareindex.Resolve", "unknown masked path")
	}
	return entry.absPath, nil
}

// Counts returns (files, directories) for the current snapshot, used by the
// State Store's shares.files/directories fields.
func (idx *Indexer) Counts() (files, directories int) {
	snap := idx.cur.Load()
	return len(snap.byMasked), len(snap.directories)
}

// Lookup returns the FileRecord for a masked path, regardless of which host
// it came from.
func (idx *Indexer) Lookup(masked string) (FileRecord, bool) {
	snap := idx.cur.Load()
	entry, ok := snap.byMasked[masked]
	if !ok {
		return FileRecord{}, false
	}
	return entry.record, true
}

// HostOf returns the configured host for a masked path: "" for a root
// sourced locally, an agent name for one sourced from a Relay Plane
// share-index upload. Used by the Controller's relay-backed FileBodySource
// to decide whether a file can be opened locally or must be fetched from an
// Agent.
func (idx *Indexer) HostOf(masked string) (string, bool) {
	snap := idx.cur.Load()
	entry, ok := snap.byMasked[masked]
	if !ok {
		return "", false
	}
	return entry.host, true
}

// ReplaceHost atomically swaps every entry belonging to host with a freshly
// supplied set, leaving every other host's entries untouched. Used when the
// Controller ingests a Relay Plane share-index upload (§4.4).
func (idx *Indexer) ReplaceHost(host string, entries []HostEntry) {
	idx.buildMu.Lock()
	defer idx.buildMu.Unlock()

	prev := idx.cur.Load()
	byMasked := make(map[string]fileEntry, len(prev.byMasked))
	for k, v := range prev.byMasked {
		if v.host != host {
			byMasked[k] = v
		}
	}
	dirFiles := map[string][]FileRecord{}
	dirOrder := []string{}
	seenDir := map[string]bool{}
	for _, dir := range prev.directories {
		var kept []FileRecord
		for _, f := range dir.Files {
			if e, ok := prev.byMasked[f.Filename]; !ok || e.host != host {
				kept = append(kept, f)
			}
		}
		if len(kept) > 0 {
			dirFiles[dir.MaskedName] = kept
			if !seenDir[dir.MaskedName] {
				seenDir[dir.MaskedName] = true
				dirOrder = append(dirOrder, dir.MaskedName)
			}
		}
	}
	for _, e := range entries {
		byMasked[e.Record.Filename] = fileEntry{record: e.Record, absPath: "", host: host}
		dir := maskedDirectory(e.Record.Filename)
		if !seenDir[dir] {
			seenDir[dir] = true
			dirOrder = append(dirOrder, dir)
		}
		dirFiles[dir] = append(dirFiles[dir], e.Record)
	}

	directories := make([]Directory, 0, len(dirOrder))
	for _, dir := range dirOrder {
		directories = append(directories, Directory{MaskedName: dir, Files: dirFiles[dir]})
	}

	next := &snapshot{shares: prev.shares, byMasked: byMasked, directories: directories, db: prev.db}
	idx.cur.Store(next)
}

// HostEntry is one file record contributed by a relayed host, as decoded
// from an Agent's share-index upload.
type HostEntry struct {
	Record FileRecord
}
