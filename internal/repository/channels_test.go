package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChannelRegistry_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowed_channels.json")
	r, err := NewChannelRegistry(path)
	require.NoError(t, err)

	require.NoError(t, r.Reload())
	require.False(t, r.IsAllowed("g1", 1))

	require.NoError(t, os.WriteFile(path, []byte(`{"g1":[1234567890123456789,5],"g2":[]}`), 0o644))
	require.NoError(t, r.Reload())
	require.True(t, r.IsAllowed("g1", 1234567890123456789))
	require.True(t, r.IsAllowed("g1", 5))
	require.False(t, r.IsAllowed("g2", 5))
	require.Equal(t, []uint64{5, 1234567890123456789}, r.Channels("g1"))
	require.Empty(t, r.Channels("g2"))
	require.Empty(t, r.Channels("missing"))
}

func TestChannelRegistry_MalformedFileKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowed_channels.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"g1":[7]}`), 0o644))
	r, err := NewChannelRegistry(path)
	require.NoError(t, err)
	require.NoError(t, r.Reload())

	require.NoError(t, os.WriteFile(path, []byte(`{"g1":`), 0o644))
	require.Error(t, r.Reload())
	require.True(t, r.IsAllowed("g1", 7))
}

func TestNewChannelRegistry_LoadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowed_channels.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"g1":[42]}`), 0o644))

	r, err := NewChannelRegistry(path)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Watch(ctx, nil))

	require.True(t, r.IsAllowed("g1", 42))
	require.Equal(t, []uint64{42}, r.Channels("g1"))
}

func TestNewChannelRegistry_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowed_channels.json")
	require.NoError(t, os.WriteFile(path, []byte(`["g1"]`), 0o644))

	_, err := NewChannelRegistry(path)
	require.ErrorContains(t, err, "decode channel file")
}

func TestChannelRegistry_EmptyPath(t *testing.T) {
	_, err := NewChannelRegistry(" ")
	require.Error(t, err)
}

func TestChannelRegistry_WatchPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowed_channels.json")
	r, err := NewChannelRegistry(path)
	require.NoError(t, err)
	require.NoError(t, r.Reload())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Watch(ctx, nil))

	require.NoError(t, os.WriteFile(path, []byte(`{"g1":[9]}`), 0o644))
	require.Eventually(t, func() bool { return r.IsAllowed("g1", 9) }, 3*time.Second, 20*time.Millisecond)
}
