package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *Registry {
	r := NewRegistry()
	r.Register(&Descriptor{
		LongName: "listen-port", Key: "soulseek.listenport", Type: TypeInt,
		Default: 50300, ChangeClass: ChangeRequiresReconnect,
		Validators: []Validator{RangeInt(1, 65535)},
	})
	r.Register(&Descriptor{
		LongName: "content-path", Key: "web.contentpath", Type: TypeString,
		Default: "/srv/web", ChangeClass: ChangeRequiresRestart,
	})
	return r
}

func TestLoadEmptyDiffFiresNoCallback(t *testing.T) {
	r := testRegistry()
	s := NewStore(r)

	var calls int
	s.Subscribe(func(prev, next Snapshot, changes []Change) { calls++ })

	_, err := s.Load(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, calls, "loading the same defaults twice must not fire a change callback")
}

func TestDiffClassifiesReconnectVsRestart(t *testing.T) {
	r := testRegistry()
	s := NewStore(r)

	var got []Change
	s.Subscribe(func(prev, next Snapshot, changes []Change) { got = changes })

	_, err := s.Load(map[string]any{"soulseek.listenport": 50301}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "soulseek.listenport", got[0].FieldPath)
	assert.Equal(t, ChangeRequiresReconnect, got[0].ChangeClass)

	got = nil
	_, err = s.Load(map[string]any{"soulseek.listenport": 50301, "web.contentpath": "/var/web"}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "web.contentpath", got[0].FieldPath)
	assert.Equal(t, ChangeRequiresRestart, got[0].ChangeClass)
}

func TestValidationAbortsSwap(t *testing.T) {
	r := testRegistry()
	s := NewStore(r)

	before := s.Snapshot()
	_, err := s.Load(map[string]any{"soulseek.listenport": 99999}, nil)
	require.Error(t, err)

	after := s.Snapshot()
	assert.Equal(t, before["soulseek.listenport"], after["soulseek.listenport"])
}

func TestFilterPrefix(t *testing.T) {
	changes := []Change{
		{FieldPath: "soulseek.listenport"},
		{FieldPath: "web.contentpath"},
		{FieldPath: "soulseek.username"},
	}
	got := FilterPrefix(changes, "soulseek")
	require.Len(t, got, 2)
}

func TestRedactedMasksSecrets(t *testing.T) {
	r := NewRegistry()
	r.Register(&Descriptor{Key: "soulseek.password", Type: TypeString, Secret: true})
	snap := Snapshot{"soulseek.password": "hunter2"}
	redacted := r.Redacted(snap)
	assert.Equal(t, "********", redacted["soulseek.password"])
}
