package options

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/soulfired/soulfired/internal/errs"
	"github.com/soulfired/soulfired/internal/slog"
)

// Store holds the current merged configuration and fans out diffs to
// subscribers. Reads are lock-free against an immutable Snapshot; writes
// (Load) are serialized behind a single-writer guard so that, per §5's
// ordering guarantee, change callbacks for one snapshot run to completion
// before the next snapshot becomes observable.
type Store struct {
	registry *Registry

	writeMu sync.Mutex
	current atomic.Pointer[Snapshot]

	subsMu sync.Mutex
	subs   []func(previous, next Snapshot, changes []Change)
}

// NewStore builds a Store seeded with the registry's defaults.
func NewStore(r *Registry) *Store {
	s := &Store{registry: r}
	seed := Snapshot(r.Defaults())
	s.current.Store(&seed)
	return s
}

// Snapshot returns the current immutable configuration. Safe for concurrent
// use without any lock.
func (s *Store) Snapshot() Snapshot {
	return *s.current.Load()
}

// Subscribe registers fn to be called, in registration order, with every
// non-empty diff produced by a future Load. Returns a function that removes
// the subscription.
func (s *Store) Subscribe(fn func(previous, next Snapshot, changes []Change)) (cancel func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs = append(s.subs, fn)
	idx := len(s.subs) - 1
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		s.subs[idx] = nil
	}
}

// environment reads every descriptor's EnvVar, typed according to its Type.
func (s *Store) environment() map[string]any {
	out := map[string]any{}
	for _, d := range s.registry.All() {
		if d.EnvVar == "" {
			continue
		}
		raw, ok := os.LookupEnv(d.EnvVar)
		if !ok {
			continue
		}
		switch d.Type {
		case TypeInt:
			if n, err := strconv.Atoi(raw); err == nil {
				out[d.Key] = n
			}
		case TypeBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				out[d.Key] = b
			}
		case TypeStringSlice:
			out[d.Key] = strings.Split(raw, ",")
		default:
			out[d.Key] = raw
		}
	}
	return out
}

// Load merges, in ascending precedence, the registry's defaults, fileValues
// (decoded from the configuration file), the process environment and
// cliValues (an already-parsed flag map; flag parsing itself is an external
// concern). The merged snapshot is validated before it is ever published: a
// failing validation aborts the swap and returns a ConfigurationInvalid
// error wrapping the tree-shaped report, leaving the previous snapshot live.
func (s *Store) Load(fileValues, cliValues map[string]any) (Snapshot, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := Snapshot(s.registry.Defaults())
	for k, v := range fileValues {
		next[k] = v
	}
	for k, v := range s.environment() {
		next[k] = v
	}
	for k, v := range cliValues {
		next[k] = v
	}

	if report := s.registry.Validate(next); !report.OK() {
		return nil, errs.Wrap(errs.ConfigurationInvalid, "options.Load", "snapshot failed validation", report)
	}

	previous := s.Snapshot()
	changes := s.registry.Diff(previous, next)
	s.current.Store(&next)

	if len(changes) == 0 {
		return next, nil
	}

	redacted := s.registry.Redacted(next)
	for _, c := range changes {
		slog.Logf("options", "%s changed (%s); now %v", c.FieldPath, c.ChangeClass, redacted[c.FieldPath])
	}

	s.subsMu.Lock()
	subs := make([]func(Snapshot, Snapshot, []Change), 0, len(s.subs))
	for _, fn := range s.subs {
		if fn != nil {
			subs = append(subs, fn)
		}
	}
	s.subsMu.Unlock()

	for _, fn := range subs {
		fn(previous, next, changes)
	}

	return next, nil
}

// Registry exposes the underlying registry, e.g. so callers can call
// Diff/Validate/Redacted directly.
func (s *Store) Registry() *Registry { return s.registry }
