package kernel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSignatures(t *testing.T, dir, version string) {
	t.Helper()
	versionDir := filepath.Join(dir, version)
	require.NoError(t, os.MkdirAll(filepath.Join(versionDir, "kexts"), 0o755))

	xnu := `{"functions": {
		"kernel_trap":   {"address": "0xffffff8000a1b000"},
		"panic":         {"address": "0xffffff8000a20000"},
		"thread_invoke": {"address": 1099511627776}
	}}`
	require.NoError(t, os.WriteFile(filepath.Join(versionDir, "xnu.json"), []byte(xnu), 0o644))

	kext := `{"functions": {"start_hardware": {"address": "0xffffff7f80001000"}}}`
	require.NoError(t, os.WriteFile(filepath.Join(versionDir, "kexts", "com.apple.driver.test.json"), []byte(kext), 0o644))
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	dir := t.TempDir()
	writeSignatures(t, dir, "17.4")
	r, err := LoadResolver(log.NewNopLogger(), dir)
	require.NoError(t, err)
	return r
}

func TestResolver_Resolve(t *testing.T) {
	r := newTestResolver(t)
	require.Equal(t, []string{"17.4"}, r.Versions())

	t.Run("exact address", func(t *testing.T) {
		hit, ok := r.Resolve("17.4", 0xffffff8000a1b000)
		require.True(t, ok)
		assert.Equal(t, "kernel_trap", hit.Symbol)
		assert.Zero(t, hit.Offset)
		assert.Equal(t, TypeKernelFunction, hit.Type)
	})

	t.Run("within tolerance", func(t *testing.T) {
		hit, ok := r.Resolve("17.4", 0xffffff8000a1b2c0)
		require.True(t, ok)
		assert.Equal(t, "kernel_trap", hit.Symbol)
		assert.Equal(t, int64(0x2c0), hit.Offset)
	})

	t.Run("slightly below reports a negative offset", func(t *testing.T) {
		hit, ok := r.Resolve("17.4", 0xffffff8000a1aff0)
		require.True(t, ok)
		assert.Equal(t, "kernel_trap", hit.Symbol)
		assert.Equal(t, int64(-0x10), hit.Offset)
	})

	t.Run("nearest signature wins", func(t *testing.T) {
		hit, ok := r.Resolve("17.4", 0xffffff8000a1ff00)
		require.True(t, ok)
		assert.Equal(t, "panic", hit.Symbol)
	})

	t.Run("outside tolerance", func(t *testing.T) {
		_, ok := r.Resolve("17.4", 0xffffff8000a1b000+matchTolerance)
		assert.False(t, ok)
	})

	t.Run("kext signature", func(t *testing.T) {
		hit, ok := r.Resolve("17.4", 0xffffff7f80001040)
		require.True(t, ok)
		assert.Equal(t, "com.apple.driver.test::start_hardware", hit.Symbol)
		assert.Equal(t, TypeKextFunction, hit.Type)
	})

	t.Run("numeric address form", func(t *testing.T) {
		hit, ok := r.Resolve("17.4", 1099511627780)
		require.True(t, ok)
		assert.Equal(t, "thread_invoke", hit.Symbol)
		assert.Equal(t, int64(4), hit.Offset)
	})

	t.Run("patch release uses the base version signatures", func(t *testing.T) {
		hit, ok := r.Resolve("17.4.1", 0xffffff8000a1b000)
		require.True(t, ok)
		assert.Equal(t, "kernel_trap", hit.Symbol)
	})

	t.Run("unknown version", func(t *testing.T) {
		_, ok := r.Resolve("16.0", 0xffffff8000a1b000)
		assert.False(t, ok)
	})

	t.Run("empty version", func(t *testing.T) {
		_, ok := r.Resolve("", 0xffffff8000a1b000)
		assert.False(t, ok)
	})
}

func TestLoadResolver_EmptyDir(t *testing.T) {
	r, err := LoadResolver(log.NewNopLogger(), "")
	require.NoError(t, err)
	assert.Empty(t, r.Versions())
	_, ok := r.Resolve("17.4", 0x1000)
	assert.False(t, ok)
}

func TestLoadResolver_MissingDir(t *testing.T) {
	r, err := LoadResolver(log.NewNopLogger(), filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, r.Versions())
}

func TestLoadResolver_SkipsUnreadableFiles(t *testing.T) {
	dir := t.TempDir()
	writeSignatures(t, dir, "17.4")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "18.0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "18.0", "xnu.json"), []byte("not json"), 0o644))

	r, err := LoadResolver(log.NewNopLogger(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"17.4"}, r.Versions())
}
