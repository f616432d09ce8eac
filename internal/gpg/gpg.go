// Package gpg verifies detached OpenPGP signatures of downloaded release
// assets against a component's signing keys.
package gpg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
)

const (
	maxFileSize = 1024 * 1024 * 1024 // 1GB max size for a signed asset
	keyFileMode = 0600               // Required file permissions for key files on Unix systems
)

// ErrNoKeys is returned when verification is attempted with an empty keyring.
var ErrNoKeys = errors.New("no keys in keyring")

// KeyRing represents a collection of PGP keys for signature verification
type KeyRing interface {
	VerifyDetached(message []byte, signature []byte) error
	AddKey(key Key) error
}

// Key represents a PGP public key
type Key interface {
	Usable() bool
	GetFingerprint() string
}

// RealKeyRing implements KeyRing using gopenpgp v2.
type RealKeyRing struct {
	keyRing *crypto.KeyRing
}

// RealKey implements Key with actual PGP key data.
type RealKey struct {
	pgpKey      *crypto.Key
	fingerprint string
	usable      bool
}

// NewRealKeyRing creates an empty keyring. It is initialized by the first AddKey.
func NewRealKeyRing() *RealKeyRing {
	return &RealKeyRing{}
}

// VerifyDetached checks an armored or binary detached signature of message.
func (rk *RealKeyRing) VerifyDetached(message []byte, signature []byte) error {
	if rk.keyRing == nil {
		return ErrNoKeys
	}

	plainMessage := crypto.NewPlainMessage(message)

	pgpSignature, err := crypto.NewPGPSignatureFromArmored(string(signature))
	if err != nil {
		// Try binary format if armored fails
		pgpSignature = crypto.NewPGPSignature(signature)
	}

	if err := rk.keyRing.VerifyDetached(plainMessage, pgpSignature, crypto.GetUnixTime()); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// AddKey implements KeyRing.
func (rk *RealKeyRing) AddKey(key Key) error {
	if key == nil {
		return fmt.Errorf("key cannot be nil")
	}

	realKey, ok := key.(*RealKey)
	if !ok {
		return fmt.Errorf("unsupported key type")
	}

	if rk.keyRing == nil {
		kr, err := crypto.NewKeyRing(realKey.pgpKey)
		if err != nil {
			return fmt.Errorf("failed to create keyring: %w", err)
		}
		rk.keyRing = kr
		return nil
	}
	if err := rk.keyRing.AddKey(realKey.pgpKey); err != nil {
		return fmt.Errorf("failed to add key to keyring: %w", err)
	}
	return nil
}

// CountKeys returns the number of keys in the ring.
func (rk *RealKeyRing) CountKeys() int {
	if rk.keyRing == nil {
		return 0
	}
	return rk.keyRing.CountEntities()
}

// NewRealKey parses an armored public key.
func NewRealKey(armoredData string) (*RealKey, error) {
	if armoredData == "" {
		return nil, fmt.Errorf("armored data cannot be empty")
	}

	pgpKey, err := crypto.NewKeyFromArmored(armoredData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PGP key: %w", err)
	}

	return &RealKey{
		pgpKey:      pgpKey,
		fingerprint: pgpKey.GetFingerprint(),
		usable:      pgpKey.CanVerify(),
	}, nil
}

// Usable reports whether the key can still verify signatures. Expired and
// revoked keys cannot.
func (rk *RealKey) Usable() bool {
	return rk.usable
}

// GetFingerprint implements Key.
func (rk *RealKey) GetFingerprint() string {
	return rk.fingerprint
}

// VerifyDetachedSignature verifies a detached signature file (.sig or .asc)
// against the given data file.
func VerifyDetachedSignature(keyRing KeyRing, dataFilePath string, sigFilePath string) error {
	if keyRing == nil {
		return fmt.Errorf("keyring cannot be nil")
	}

	dataFileContent, err := readBounded(dataFilePath, "data")
	if err != nil {
		return err
	}
	sigFileContent, err := readBounded(sigFilePath, "signature")
	if err != nil {
		return err
	}

	if err := keyRing.VerifyDetached(dataFileContent, sigFileContent); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(dataFilePath), err)
	}
	return nil
}

func readBounded(path, kind string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s file: %w", kind, err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%s file exceeds maximum allowed size of %d bytes", kind, maxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s file: %w", kind, err)
	}
	return data, nil
}

// LoadKeyRingFromFile loads a single armored public key file, the layout used
// by a component's public_key_file setting.
func LoadKeyRingFromFile(path string) (KeyRing, error) {
	if err := validateKeyFile(path); err != nil {
		return nil, fmt.Errorf("invalid key file '%s': %w", filepath.Base(path), err)
	}
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return LoadKeyRingFromStrings([]string{string(keyData)})
}

// LoadKeyRing loads a key ring from a single armored key file or from every
// .asc file of a directory.
func LoadKeyRing(path string) (KeyRing, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key path: %w", err)
	}
	if info.IsDir() {
		return LoadKeyRingFromPath(path)
	}
	return LoadKeyRingFromFile(path)
}

// LoadKeyRingFromPath loads all ASCII-armored PGP public keys from the given
// directory.
func LoadKeyRingFromPath(keysPath string) (KeyRing, error) {
	files, err := os.ReadDir(keysPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read keys directory: %w", err)
	}

	var armored []string
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".asc" {
			continue
		}
		filePath := filepath.Join(keysPath, file.Name())
		if err := validateKeyFile(filePath); err != nil {
			return nil, fmt.Errorf("invalid key file '%s': %w", file.Name(), err)
		}
		keyData, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		armored = append(armored, string(keyData))
	}

	if len(armored) == 0 {
		return nil, fmt.Errorf("no .asc keys found in directory")
	}
	return LoadKeyRingFromStrings(armored)
}

// LoadKeyRingFromStrings loads PGP public keys from ASCII-armored strings.
func LoadKeyRingFromStrings(armoredKeys []string) (KeyRing, error) {
	if len(armoredKeys) == 0 {
		return nil, fmt.Errorf("no armored keys provided")
	}

	keyRing := NewRealKeyRing()
	for i, armoredKey := range armoredKeys {
		key, err := NewRealKey(armoredKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse armored key string at index %d: %w", i, err)
		}
		if err := validateKey(key); err != nil {
			return nil, fmt.Errorf("invalid key at index %d: %w", i, err)
		}
		if err := keyRing.AddKey(key); err != nil {
			return nil, fmt.Errorf("failed to add key to keyring: %w", err)
		}
	}
	return keyRing, nil
}

// validateKeyFile checks if a key file has appropriate permissions and size
func validateKeyFile(filePath string) error {
	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("failed to access key file: %w", err)
	}

	if fileInfo.Size() > maxFileSize {
		return fmt.Errorf("key file exceeds maximum allowed size of %d bytes", maxFileSize)
	}

	// Check file permissions (allow both 0600 and 0644 for compatibility)
	perm := fileInfo.Mode().Perm()
	if perm != keyFileMode && perm != 0644 {
		return fmt.Errorf("key file has incorrect permissions. Expected %o or 0644, got %o", keyFileMode, perm)
	}

	return nil
}

// validateKey performs basic validation of a PGP key
func validateKey(key Key) error {
	if key == nil {
		return fmt.Errorf("key is nil")
	}
	if !key.Usable() {
		return fmt.Errorf("key %s cannot verify signatures", key.GetFingerprint())
	}
	return nil
}
