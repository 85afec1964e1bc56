package turnlog

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of the user-held master key and of every
// derived per-session key.
const KeySize = 32

// fingerprintSize is the length of the key fingerprint stored in the log
// preamble. The fingerprint lets Open distinguish a wrong key
// (EncryptionFailure) from a corrupted log (CorruptionDetected).
const fingerprintSize = 8

// hkdfInfoPrefix domain-separates per-session keys. Changing it
// invalidates all existing logs.
const hkdfInfoPrefix = "hermit.turnlog.v1."

// keyFileEnv overrides the default key file location. The key is
// user-held material and must never live alongside the session data.
const keyFileEnv = "HERMIT_KEY_FILE"

// DefaultKeyPath returns ~/.hermit/key, the stock key file location.
func DefaultKeyPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".hermit", "key"), nil
}

// KeyFilePath resolves the key file location, honoring HERMIT_KEY_FILE.
func KeyFilePath() (string, error) {
	if p := os.Getenv(keyFileEnv); p != "" {
		return p, nil
	}
	return DefaultKeyPath()
}

// LoadKey reads the master key from the key file. The file holds either
// 32 raw bytes or 64 hex characters. A missing or malformed key file is
// an EncryptionFailure: the log cannot be opened without it.
func LoadKey() ([]byte, error) {
	path, err := KeyFilePath()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: key file %s: %v (run 'hermit invoke' to generate one)",
			ErrEncryptionFailure, path, err)
	}
	return ParseKey(data)
}

// ParseKey accepts raw or hex-encoded key material.
func ParseKey(data []byte) ([]byte, error) {
	if len(data) == KeySize {
		return data, nil
	}
	trimmed := strings.TrimSpace(string(data))
	if len(trimmed) == KeySize*2 {
		key, err := hex.DecodeString(trimmed)
		if err == nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: key material must be %d raw bytes or %d hex chars",
		ErrEncryptionFailure, KeySize, KeySize*2)
}

// GenerateKey creates a fresh random master key at path (hex-encoded,
// mode 0600). It refuses to overwrite an existing key.
func GenerateKey(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrKeyExists, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	encoded := hex.EncodeToString(raw) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return nil
}

// deriveSessionKey derives the per-session encryption key from the master
// key with HKDF-SHA256, using the session id for domain separation. Every
// session log is encrypted under its own key.
func deriveSessionKey(master []byte, sessionID string) ([]byte, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes", ErrEncryptionFailure, KeySize)
	}
	info := []byte(hkdfInfoPrefix + sessionID)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, info), key); err != nil {
		return nil, fmt.Errorf("%w: key derivation: %v", ErrEncryptionFailure, err)
	}
	return key, nil
}

// keyFingerprint computes the preamble fingerprint of a derived key.
func keyFingerprint(derived []byte) [fingerprintSize]byte {
	sum := blake3.Sum256(derived)
	var fp [fingerprintSize]byte
	copy(fp[:], sum[:fingerprintSize])
	return fp
}
