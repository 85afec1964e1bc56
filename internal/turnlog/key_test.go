package turnlog

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	raw := bytes.Repeat([]byte{0xAB}, KeySize)

	t.Run("raw bytes", func(t *testing.T) {
		key, err := ParseKey(raw)
		require.NoError(t, err)
		assert.Equal(t, raw, key)
	})
	t.Run("hex with trailing newline", func(t *testing.T) {
		key, err := ParseKey([]byte(hex.EncodeToString(raw) + "\n"))
		require.NoError(t, err)
		assert.Equal(t, raw, key)
	})
	t.Run("wrong length", func(t *testing.T) {
		_, err := ParseKey([]byte("short"))
		assert.ErrorIs(t, err, ErrEncryptionFailure)
	})
	t.Run("right length but not hex", func(t *testing.T) {
		_, err := ParseKey(bytes.Repeat([]byte{'z'}, KeySize*2))
		assert.ErrorIs(t, err, ErrEncryptionFailure)
	})
}

func TestGenerateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "master")
	require.NoError(t, GenerateKey(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	key, err := ParseKey(data)
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	// A second generation must not clobber existing key material.
	assert.ErrorIs(t, GenerateKey(path), ErrKeyExists)
}

func TestLoadKeyHonorsEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, GenerateKey(path))
	t.Setenv(keyFileEnv, path)

	key, err := LoadKey()
	require.NoError(t, err)
	assert.Len(t, key, KeySize)
}

func TestLoadKeyMissingFile(t *testing.T) {
	t.Setenv(keyFileEnv, filepath.Join(t.TempDir(), "absent"))
	_, err := LoadKey()
	assert.ErrorIs(t, err, ErrEncryptionFailure)
}

func TestDeriveSessionKeyDomainSeparation(t *testing.T) {
	master := bytes.Repeat([]byte{0x01}, KeySize)

	k1, err := deriveSessionKey(master, "session-a")
	require.NoError(t, err)
	k2, err := deriveSessionKey(master, "session-b")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	again, err := deriveSessionKey(master, "session-a")
	require.NoError(t, err)
	assert.Equal(t, k1, again)

	_, err = deriveSessionKey([]byte("too short"), "session-a")
	assert.ErrorIs(t, err, ErrEncryptionFailure)
}
