package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileProvider_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tempo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: {}\n"), 0o644))

	p, err := NewFileProvider(path)
	require.NoError(t, err)
	assert.Equal(t, TypeFile, p.Type())
	assert.True(t, filepath.IsAbs(p.Path()))

	data, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "server: {}\n", string(data))

	missing, err := NewFileProvider(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	_, err = missing.Load(context.Background())
	assert.Error(t, err)
}

func TestFileProvider_WatchDebounces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tempo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o644))

	p, err := NewFileProvider(path, WithDebounce(150*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := p.Watch(ctx)
	require.NoError(t, err)
	require.NotNil(t, changes)

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o644))

	for i := range 3 {
		require.NoError(t, os.WriteFile(path, []byte{byte('a' + i), '\n'}, 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no change signaled")
	}

	select {
	case <-changes:
		t.Fatal("burst of writes must coalesce into one change")
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-changes:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "channel closes when ctx is done")
}

func TestFileProvider_WatchAfterClose(t *testing.T) {
	p, err := NewFileProvider(filepath.Join(t.TempDir(), "tempo.yaml"))
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = p.Watch(context.Background())
	assert.Error(t, err)
}
