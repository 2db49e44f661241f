// Package options implements the Option Registry (C1) and Options Store (C2):
// a typed catalog of tunables, merged from defaults, config file, environment
// and CLI flags into immutable snapshots, with field-level diffing and
// validation.
package options

import (
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
)

// Type is the value type of an option leaf.
type Type int

const (
	TypeString Type = iota
	TypeInt
	TypeBool
	TypeDuration
	TypeStringSlice
	TypePath
)

// ChangeClass says what applying a new value requires of the running process.
type ChangeClass int

const (
	// ChangeNone takes effect on the next read of the snapshot.
	ChangeNone ChangeClass = iota
	// ChangeRequiresReconnect requires the Soulseek Supervisor to reconnect.
	ChangeRequiresReconnect
	// ChangeRequiresRestart requires restarting the process.
	ChangeRequiresRestart
)

func (c ChangeClass) String() string {
	switch c {
	case ChangeRequiresReconnect:
		return "requires-reconnect"
	case ChangeRequiresRestart:
		return "requires-restart"
	default:
		return "none"
	}
}

// Validator checks a candidate leaf value, returning a human-readable error
// if it is invalid. Validators never mutate the value.
type Validator func(value any) error

// Descriptor is the metadata for a single tunable, matching §3's Option
// Descriptor: short/long name, environment variable, dotted key, type,
// default, description and change-class.
type Descriptor struct {
	ShortName   string
	LongName    string
	EnvVar      string
	Key         string // dotted path, e.g. "soulseek.listenport"
	Type        Type
	Default     any
	Description string
	ChangeClass ChangeClass
	Secret      bool
	Validators  []Validator
}

// Registry is the ordered catalog of every known descriptor.
type Registry struct {
	descriptors []*Descriptor
	byKey       map[string]*Descriptor
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKey: map[string]*Descriptor{}}
}

// Register adds a descriptor. Panics on a duplicate key, mirroring the
// teacher's fs.Register fail-fast-at-init-time convention.
func (r *Registry) Register(d *Descriptor) {
	if _, ok := r.byKey[d.Key]; ok {
		panic("options: duplicate key " + d.Key)
	}
	r.descriptors = append(r.descriptors, d)
	r.byKey[d.Key] = d
}

// Lookup returns the descriptor for a dotted key, or nil.
func (r *Registry) Lookup(key string) *Descriptor {
	return r.byKey[key]
}

// All returns every descriptor in registration order.
func (r *Registry) All() []*Descriptor {
	out := make([]*Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// Defaults returns a flat snapshot of every descriptor's default value.
func (r *Registry) Defaults() map[string]any {
	out := make(map[string]any, len(r.descriptors))
	for _, d := range r.descriptors {
		out[d.Key] = d.Default
	}
	return out
}

// BindFlags registers every descriptor as a flag on fs, for an external CLI
// layer to parse (parsing itself is out of scope, per §1's non-goals).
func (r *Registry) BindFlags(fs *pflag.FlagSet) {
	for _, d := range r.descriptors {
		name := d.LongName
		if name == "" {
			continue
		}
		switch v := d.Default.(type) {
		case string:
			if d.Type == TypePath {
				if expanded, err := homedir.Expand(v); err == nil {
					v = expanded
				}
			}
			fs.StringP(name, d.ShortName, v, d.Description)
		case int:
			fs.IntP(name, d.ShortName, v, d.Description)
		case bool:
			fs.BoolP(name, d.ShortName, v, d.Description)
		case []string:
			fs.StringSliceP(name, d.ShortName, v, d.Description)
		default:
			if d.Type == TypeStringSlice {
				fs.StringSliceP(name, d.ShortName, nil, d.Description)
			} else {
				fs.StringP(name, d.ShortName, "", d.Description)
			}
		}
	}
}

// Default builds the registry of every tunable soulfired recognizes. Real
// deployments extend it (e.g. per-backend share filters) but the core set
// below is what the rest of the system reads by dotted key.
func Default() *Registry {
	r := NewRegistry()

	r.Register(&Descriptor{
		LongName: "username", EnvVar: "SOULFIRED_SOULSEEK_USERNAME",
		Key: "soulseek.username", Type: TypeString,
		Description: "Soulseek network username", ChangeClass: ChangeRequiresReconnect,
	})
	r.Register(&Descriptor{
		LongName: "password", EnvVar: "SOULFIRED_SOULSEEK_PASSWORD",
		Key: "soulseek.password", Type: TypeString, Secret: true,
		Description: "Soulseek network password", ChangeClass: ChangeRequiresReconnect,
	})
	r.Register(&Descriptor{
		LongName: "listen-port", EnvVar: "SOULFIRED_SOULSEEK_LISTENPORT",
		Key: "soulseek.listenport", Type: TypeInt, Default: 50300,
		Description: "Port advertised to the Soulseek server for incoming peer connections",
		ChangeClass: ChangeRequiresReconnect,
		Validators:  []Validator{RangeInt(1, 65535)},
	})
	r.Register(&Descriptor{
		LongName: "distributed-child-limit", EnvVar: "SOULFIRED_SOULSEEK_DISTRIBUTEDCHILDLIMIT",
		Key: "soulseek.distributedchildlimit", Type: TypeInt, Default: 25,
		Description: "Maximum distributed-network children", ChangeClass: ChangeRequiresReconnect,
		Validators: []Validator{RangeInt(0, 1000)},
	})
	r.Register(&Descriptor{
		LongName: "no-connect", EnvVar: "SOULFIRED_SOULSEEK_NOCONNECT",
		Key: "soulseek.noconnect", Type: TypeBool, Default: false,
		Description: "Skip the initial Connect() on startup", ChangeClass: ChangeNone,
	})
	r.Register(&Descriptor{
		LongName: "blacklisted-searchers", EnvVar: "SOULFIRED_SOULSEEK_SEARCH_BLACKLIST",
		Key: "soulseek.search.blacklist", Type: TypeStringSlice,
		Description: "Usernames whose search requests are always answered empty",
		ChangeClass: ChangeNone,
	})

	r.Register(&Descriptor{
		LongName: "shared-directories", EnvVar: "SOULFIRED_SHARES_DIRECTORIES",
		Key: "shares.directories", Type: TypeStringSlice,
		Description: "Root directories to share", ChangeClass: ChangeNone,
	})
	r.Register(&Descriptor{
		LongName: "share-scan-on-startup", EnvVar: "SOULFIRED_SHARES_SCANONSTARTUP",
		Key: "shares.scanonstartup", Type: TypeBool, Default: true,
		Description: "Whether to Fill the share index at boot", ChangeClass: ChangeNone,
	})
	r.Register(&Descriptor{
		LongName: "share-collision-policy", EnvVar: "SOULFIRED_SHARES_COLLISIONPOLICY",
		Key: "shares.collisionpolicy", Type: TypeString, Default: "last-write-wins",
		Description: "last-write-wins or fail-build when two roots collide on the same masked path",
		ChangeClass: ChangeNone,
		Validators:  []Validator{Enum("last-write-wins", "fail-build")},
	})
	r.Register(&Descriptor{
		LongName: "share-index-database", EnvVar: "SOULFIRED_SHARES_INDEXDATABASE",
		Key: "shares.indexdatabasepath", Type: TypePath,
		Description: "Portable FTS5 database backing Search/Browse", ChangeClass: ChangeRequiresRestart,
	})

	r.Register(&Descriptor{
		LongName: "max-uploads-global", EnvVar: "SOULFIRED_TRANSFERS_MAXUPLOADSGLOBAL",
		Key: "transfers.maxconcurrentuploadsglobal", Type: TypeInt, Default: 20,
		Description: "Global concurrent upload slots", ChangeClass: ChangeNone,
		Validators: []Validator{RangeInt(1, 10000)},
	})
	r.Register(&Descriptor{
		LongName: "max-uploads-per-user", EnvVar: "SOULFIRED_TRANSFERS_MAXUPLOADSPERUSER",
		Key: "transfers.maxconcurrentuploadsperuser", Type: TypeInt, Default: 2,
		Description: "Per-user concurrent upload slots", ChangeClass: ChangeNone,
		Validators: []Validator{RangeInt(1, 10000)},
	})
	r.Register(&Descriptor{
		LongName: "max-download-requests", EnvVar: "SOULFIRED_TRANSFERS_MAXDOWNLOADREQUESTS",
		Key: "transfers.maxconcurrentdownloadrequests", Type: TypeInt, Default: 5,
		Description: "Concurrent in-flight download enqueue operations", ChangeClass: ChangeNone,
		Validators: []Validator{RangeInt(1, 10000)},
	})
	r.Register(&Descriptor{
		LongName: "speed-limit-kbps", EnvVar: "SOULFIRED_TRANSFERS_SPEEDLIMITKBPS",
		Key: "transfers.speedlimitkbps", Type: TypeInt, Default: 0,
		Description: "0 disables the token-bucket governor", ChangeClass: ChangeNone,
		Validators: []Validator{RangeInt(0, 1_000_000)},
	})
	r.Register(&Descriptor{
		LongName: "incomplete-directory", EnvVar: "SOULFIRED_TRANSFERS_INCOMPLETEDIRECTORY",
		Key: "transfers.incompletedirectory", Type: TypePath,
		Description: "Directory partial downloads are written under", ChangeClass: ChangeNone,
		Validators: []Validator{Required, Writeable},
	})
	r.Register(&Descriptor{
		LongName: "downloads-directory", EnvVar: "SOULFIRED_TRANSFERS_DOWNLOADSDIRECTORY",
		Key: "transfers.downloadsdirectory", Type: TypePath,
		Description: "Directory completed downloads are moved into", ChangeClass: ChangeNone,
		Validators: []Validator{Required, Writeable},
	})
	r.Register(&Descriptor{
		LongName: "transfer-store", EnvVar: "SOULFIRED_TRANSFERS_STOREPATH",
		Key: "transfers.storepath", Type: TypePath,
		Description: "bbolt database backing the durable transfer record", ChangeClass: ChangeRequiresRestart,
	})

	r.Register(&Descriptor{
		LongName: "relay-mode", EnvVar: "SOULFIRED_RELAY_MODE",
		Key: "relay.mode", Type: TypeString, Default: "none",
		Description: "none, controller or agent", ChangeClass: ChangeRequiresRestart,
		Validators: []Validator{Enum("none", "controller", "agent")},
	})
	r.Register(&Descriptor{
		LongName: "relay-agent-name", EnvVar: "SOULFIRED_RELAY_AGENTNAME",
		Key: "relay.agentname", Type: TypeString,
		Description: "This process's agent name, when relay.mode=agent", ChangeClass: ChangeRequiresRestart,
	})
	r.Register(&Descriptor{
		LongName: "relay-controller-url", EnvVar: "SOULFIRED_RELAY_CONTROLLERURL",
		Key: "relay.controllerurl", Type: TypeString,
		Description: "Controller relay base http(s) URL, when relay.mode=agent", ChangeClass: ChangeRequiresRestart,
		Validators: []Validator{URL},
	})
	r.Register(&Descriptor{
		LongName: "relay-file-timeout-ms", EnvVar: "SOULFIRED_RELAY_FILETIMEOUTMS",
		Key: "relay.filetimeoutms", Type: TypeInt, Default: 3000,
		Description: "Milliseconds to wait for an agent's first byte", ChangeClass: ChangeNone,
		Validators: []Validator{RangeInt(1, 600000)},
	})
	r.Register(&Descriptor{
		LongName: "relay-max-file-size", EnvVar: "SOULFIRED_RELAY_MAXFILESIZE",
		Key: "relay.maxfilesize", Type: TypeInt, Default: 10 * 1024 * 1024 * 1024,
		Description: "Bytes; rejects larger uploads at the transport layer", ChangeClass: ChangeNone,
		Validators: []Validator{RangeInt(1, 1<<62)},
	})
	r.Register(&Descriptor{
		LongName: "relay-agent-secrets", EnvVar: "SOULFIRED_RELAY_AGENTSECRETS",
		Key: "relay.agentsecrets", Type: TypeStringSlice, Secret: true,
		Description: "Controller-mode agent registry, as \"name=sharedSecret\" entries",
		ChangeClass: ChangeRequiresRestart,
	})

	r.Register(&Descriptor{
		LongName: "web-listen-address", EnvVar: "SOULFIRED_WEB_LISTENADDRESS",
		Key: "web.listenaddress", Type: TypeString, Default: "127.0.0.1:5030",
		Description: "HTTP listen address for the relay/API surface", ChangeClass: ChangeRequiresRestart,
	})
	r.Register(&Descriptor{
		LongName: "debug-json-logs", EnvVar: "SOULFIRED_DEBUG_JSONLOGS",
		Key: "debug.jsonlogs", Type: TypeBool, Default: false,
		Description: "Emit logrus entries as JSON instead of text", ChangeClass: ChangeNone,
	})

	return r
}
