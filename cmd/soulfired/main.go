// Command soulfired runs the headless Soulseek file-sharing daemon: it
// wires the Option Registry, State Store, Share Indexer, Transfer
// Orchestrator, Soulseek Supervisor and (optionally) one side of the Relay
// Plane into a single long-running process.
package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/iguanesolutions/go-systemd/v5/sdnotify"
	"github.com/spf13/pflag"

	"github.com/soulfired/soulfired/internal/api"
	"github.com/soulfired/soulfired/internal/options"
	"github.com/soulfired/soulfired/internal/relay/agent"
	"github.com/soulfired/soulfired/internal/relay/controller"
	"github.com/soulfired/soulfired/internal/shareindex"
	"github.com/soulfired/soulfired/internal/slog"
	"github.com/soulfired/soulfired/internal/soulseek"
	"github.com/soulfired/soulfired/internal/state"
	"github.com/soulfired/soulfired/internal/transfer"
)

// version is stamped by the release process; "dev" otherwise.
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Fatalf("soulfired", "%v", err)
	}
}

func run() error {
	registry := options.Default()

	fs := pflag.NewFlagSet("soulfired", pflag.ContinueOnError)
	configPath := fs.String("config", "/etc/soulfired/config.yaml", "path to the YAML configuration file")
	registry.BindFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	fileValues, err := options.LoadFile(*configPath)
	if err != nil {
		return err
	}
	cliValues := cliValuesFromFlags(fs, registry)

	optStore := options.NewStore(registry)
	snap, err := optStore.Load(fileValues, cliValues)
	if err != nil {
		return err
	}

	if snap.Bool("debug.jsonlogs") {
		slog.SetJSON(true)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stateStore := state.New(version)

	index := shareindex.New(rootsFromSnapshot(snap), collisionPolicyFromSnapshot(snap), snap.String("shares.indexdatabasepath"))
	if snap.Bool("shares.scanonstartup") {
		if err := index.Fill(ctx); err != nil {
			slog.Errorf("shares", "initial Fill failed: %v", err)
		}
	}
	optStore.Subscribe(func(previous, next options.Snapshot, changes []options.Change) {
		for _, c := range changes {
			if c.FieldPath == "shares.directories" {
				index.SetRoots(rootsFromSnapshot(next))
			}
		}
	})

	transferStore, err := transfer.OpenStore(snap.String("transfers.storepath"))
	if err != nil {
		return err
	}
	defer transferStore.Close()

	var source transfer.FileBodySource = localFileSource{index: index}
	var hub *controller.Hub
	mode := snap.String("relay.mode")

	if mode == string(state.RelayController) {
		hub = controller.NewHub(parseAgentSecrets(snap.StringSlice("relay.agentsecrets")), time.Duration(snap.Int("relay.filetimeoutms"))*time.Millisecond)
		source = controller.NewFileSource(hub, index, controller.OSOpener{})
	}

	// The Supervisor and the Transfer Orchestrator must share the one
	// protocol-client instance: the Supervisor logs it in, and the
	// Orchestrator drives its Upload/Download calls against that same
	// connection.
	client := soulseek.NewNullClient(soulseek.ClientOptionsFromSnapshot(snap))

	orch := transfer.New(transferStore, source, client, transfer.Config{
		MaxConcurrentUploadsGlobal:    int64(snap.Int("transfers.maxconcurrentuploadsglobal")),
		MaxConcurrentUploadsPerUser:   int64(snap.Int("transfers.maxconcurrentuploadsperuser")),
		MaxConcurrentDownloadRequests: int64(snap.Int("transfers.maxconcurrentdownloadrequests")),
		IncompleteDirectory:           snap.String("transfers.incompletedirectory"),
		DownloadsDirectory:            snap.String("transfers.downloadsdirectory"),
		Governor:                      governorFromSnapshot(snap),
	})

	supervisor := soulseek.NewSupervisor(client, optStore, stateStore, index, orch)
	if err := supervisor.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v0/", http.StripPrefix("/api/v0", api.Router(orch)))
	if mode == string(state.RelayController) {
		mux.Handle("/api/v0/network/", http.StripPrefix("/api/v0/network", controller.Router(hub, index, int64(snap.Int("relay.maxfilesize")))))
	}

	srv := &http.Server{Addr: snap.String("web.listenaddress"), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Errorf("web", "listen: %v", err)
		}
	}()

	var agentClient *agent.Client
	if mode == string(state.RelayAgent) {
		agentClient = &agent.Client{
			Name:          snap.String("relay.agentname"),
			Secret:        agentSecretFor(snap),
			ControllerURL: snap.String("relay.controllerurl"),
			Resolve:       index,
			MaxFileSize:   int64(snap.Int("relay.maxfilesize")),
		}
		go agentClient.Run(ctx)
	}

	if err := sdnotify.Ready(); err != nil {
		slog.Debugf("soulseek", "sdnotify: %v", err)
	}

	<-ctx.Done()
	slog.Logf("soulseek", "shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// localFileSource adapts the Share Indexer into a FileBodySource for a
// non-Controller deployment, where every shared file lives on this host.
type localFileSource struct {
	index *shareindex.Indexer
}

func (s localFileSource) Stat(ctx context.Context, masked string) (int64, error) {
	rec, ok := s.index.Lookup(masked)
	if !ok {
		return 0, os.ErrNotExist
	}
	return int64(rec.Size), nil
}

func (s localFileSource) Open(ctx context.Context, masked string) (io.ReadCloser, error) {
	absPath, err := s.index.Resolve(masked)
	if err != nil {
		return nil, err
	}
	return os.Open(absPath)
}

func rootsFromSnapshot(snap options.Snapshot) []shareindex.RootConfig {
	dirs := snap.StringSlice("shares.directories")
	roots := make([]shareindex.RootConfig, 0, len(dirs))
	for _, d := range dirs {
		roots = append(roots, shareindex.RootConfig{Root: d})
	}
	return roots
}

func collisionPolicyFromSnapshot(snap options.Snapshot) shareindex.CollisionPolicy {
	if snap.String("shares.collisionpolicy") == "fail-build" {
		return shareindex.FailBuild
	}
	return shareindex.LastWriteWins
}

func governorFromSnapshot(snap options.Snapshot) transfer.Governor {
	kbps := snap.Int("transfers.speedlimitkbps")
	if kbps <= 0 {
		return transfer.NoGovernor
	}
	return transfer.TokenBucketGovernor(kbps*1024, kbps*1024)
}

// parseAgentSecrets decodes "relay.agentsecrets" ("name=sharedSecret"
// entries) into the map the Controller's Hub authenticates against.
func parseAgentSecrets(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		name, secret, ok := strings.Cut(e, "=")
		if !ok {
			continue
		}
		out[name] = secret
	}
	return out
}

// agentSecretFor looks up this Agent's own shared secret from the same
// "name=sharedSecret" encoding used by a Controller's agentsecrets, so a
// single descriptor format covers both roles' configuration files.
func agentSecretFor(snap options.Snapshot) string {
	name := snap.String("relay.agentname")
	for _, e := range snap.StringSlice("relay.agentsecrets") {
		if n, secret, ok := strings.Cut(e, "="); ok && n == name {
			return secret
		}
	}
	return ""
}

// cliValuesFromFlags builds the cliValues map Store.Load expects, including
// only flags the operator actually set — an unset flag must not shadow a
// config-file or environment value with its pflag default.
func cliValuesFromFlags(fs *pflag.FlagSet, registry *options.Registry) map[string]any {
	keyForName := make(map[string]string)
	for _, d := range registry.All() {
		if d.LongName != "" {
			keyForName[d.LongName] = d.Key
		}
	}

	out := map[string]any{}
	fs.Visit(func(f *pflag.Flag) {
		key, ok := keyForName[f.Name]
		if !ok {
			return
		}
		d := registry.Lookup(key)
		switch d.Type {
		case options.TypeInt:
			if v, err := fs.GetInt(f.Name); err == nil {
				out[key] = v
			}
		case options.TypeBool:
			if v, err := fs.GetBool(f.Name); err == nil {
				out[key] = v
			}
		case options.TypeStringSlice:
			if v, err := fs.GetStringSlice(f.Name); err == nil {
				out[key] = v
			}
		default:
			out[key] = f.Value.String()
		}
	})
	return out
}
