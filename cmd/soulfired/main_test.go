package main

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/soulfired/soulfired/internal/options"
	"github.com/soulfired/soulfired/internal/shareindex"
)

// requiredDirs returns the minimal set of values every store.Load in this
// file needs: transfers.incompletedirectory/downloadsdirectory are
// Required and Writeable, so they must name real, writeable directories.
func requiredDirs(t *testing.T) map[string]any {
	t.Helper()
	return map[string]any{
		"transfers.incompletedirectory": t.TempDir(),
		"transfers.downloadsdirectory":  t.TempDir(),
	}
}

func TestRootsFromSnapshotMapsDirectories(t *testing.T) {
	registry := options.Default()
	store := options.NewStore(registry)
	values := requiredDirs(t)
	values["shares.directories"] = []string{"/music", "/video"}
	snap, err := store.Load(values, nil)
	require.NoError(t, err)

	roots := rootsFromSnapshot(snap)
	require.Equal(t, []shareindex.RootConfig{{Root: "/music"}, {Root: "/video"}}, roots)
}

func TestCollisionPolicyFromSnapshotDefaultsToLastWriteWins(t *testing.T) {
	registry := options.Default()
	store := options.NewStore(registry)

	snap, err := store.Load(requiredDirs(t), nil)
	require.NoError(t, err)
	require.Equal(t, shareindex.LastWriteWins, collisionPolicyFromSnapshot(snap))

	values := requiredDirs(t)
	values["shares.collisionpolicy"] = "fail-build"
	snap, err = store.Load(values, nil)
	require.NoError(t, err)
	require.Equal(t, shareindex.FailBuild, collisionPolicyFromSnapshot(snap))
}

func TestGovernorFromSnapshotHonorsSpeedLimit(t *testing.T) {
	registry := options.Default()
	store := options.NewStore(registry)

	snap, err := store.Load(requiredDirs(t), nil)
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), governorFromSnapshot(snap)(0, 0, nil))

	values := requiredDirs(t)
	values["transfers.speedlimitkbps"] = 1
	snap, err = store.Load(values, nil)
	require.NoError(t, err)
	limited := governorFromSnapshot(snap)
	// A single call never exceeds burst, so the first reservation is free;
	// the governor still must be the rate-limited implementation.
	require.NotPanics(t, func() { limited(0, 0, nil) })
}

func TestParseAgentSecretsIgnoresMalformedEntries(t *testing.T) {
	got := parseAgentSecrets([]string{"north=abc123", "malformed", "south=def456"})
	require.Equal(t, map[string]string{"north": "abc123", "south": "def456"}, got)
}

func TestAgentSecretForFindsOwnEntry(t *testing.T) {
	registry := options.Default()
	store := options.NewStore(registry)
	values := requiredDirs(t)
	values["relay.agentname"] = "south"
	values["relay.agentsecrets"] = []string{"north=abc123", "south=def456"}
	snap, err := store.Load(values, nil)
	require.NoError(t, err)

	require.Equal(t, "def456", agentSecretFor(snap))
}

func TestCliValuesFromFlagsOnlyIncludesVisitedFlags(t *testing.T) {
	registry := options.Default()
	fs := pflag.NewFlagSet("soulfired", pflag.ContinueOnError)
	registry.BindFlags(fs)

	require.NoError(t, fs.Set("share-index-database", "/var/lib/soulfired/shares.db"))

	values := cliValuesFromFlags(fs, registry)
	require.Equal(t, "/var/lib/soulfired/shares.db", values["shares.indexdatabasepath"])
	_, setByDefault := values["transfers.storepath"]
	require.False(t, setByDefault)
}
