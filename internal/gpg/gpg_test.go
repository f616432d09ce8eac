package gpg

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
)

// testSigner holds a throwaway signing key and its armored public half.
type testSigner struct {
	ring      *crypto.KeyRing
	publicKey string
}

func newTestSigner(t *testing.T, name string) testSigner {
	t.Helper()
	key, err := crypto.GenerateKey(name, name+"@example.com", "x25519", 0)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	pub, err := key.GetArmoredPublicKey()
	if err != nil {
		t.Fatalf("failed to armor public key: %v", err)
	}
	ring, err := crypto.NewKeyRing(key)
	if err != nil {
		t.Fatalf("failed to build signing ring: %v", err)
	}
	return testSigner{ring: ring, publicKey: pub}
}

func (s testSigner) sign(t *testing.T, data []byte) []byte {
	t.Helper()
	sig, err := s.ring.SignDetached(crypto.NewPlainMessage(data))
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	armored, err := sig.GetArmored()
	if err != nil {
		t.Fatalf("failed to armor signature: %v", err)
	}
	return []byte(armored)
}

func writeFile(t *testing.T, dir, name string, data []byte, mode os.FileMode) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, mode); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(p, mode); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestVerifyDetachedSignature(t *testing.T) {
	signer := newTestSigner(t, "release")
	other := newTestSigner(t, "mallory")
	dir := t.TempDir()
	asset := []byte("napcat release archive")

	keyRing, err := LoadKeyRingFromStrings([]string{signer.publicKey})
	if err != nil {
		t.Fatalf("LoadKeyRingFromStrings() error: %v", err)
	}

	tests := []struct {
		name    string
		data    []byte
		sig     []byte
		wantErr bool
	}{
		{name: "valid armored signature", data: asset, sig: signer.sign(t, asset)},
		{name: "tampered data", data: append([]byte("x"), asset...), sig: signer.sign(t, asset), wantErr: true},
		{name: "signature from unknown key", data: asset, sig: other.sign(t, asset), wantErr: true},
		{name: "garbage signature", data: asset, sig: []byte("not a signature"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dataPath := writeFile(t, dir, "asset.tar.gz", tt.data, 0o644)
			sigPath := writeFile(t, dir, "asset.tar.gz.asc", tt.sig, 0o644)
			err := VerifyDetachedSignature(keyRing, dataPath, sigPath)
			if (err != nil) != tt.wantErr {
				t.Errorf("VerifyDetachedSignature() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyDetachedSignature_Errors(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "a", []byte("a"), 0o644)
	if err := VerifyDetachedSignature(nil, data, data); err == nil {
		t.Error("expected error for nil keyring")
	}
	if err := VerifyDetachedSignature(NewRealKeyRing(), filepath.Join(dir, "missing"), data); err == nil {
		t.Error("expected error for missing data file")
	}
	if err := VerifyDetachedSignature(NewRealKeyRing(), data, data); !errors.Is(err, ErrNoKeys) {
		t.Errorf("expected ErrNoKeys, got %v", err)
	}
}

func TestLoadKeyRingFromFile(t *testing.T) {
	signer := newTestSigner(t, "file")
	dir := t.TempDir()

	good := writeFile(t, dir, "signing.asc", []byte(signer.publicKey), 0o644)
	kr, err := LoadKeyRingFromFile(good)
	if err != nil {
		t.Fatalf("LoadKeyRingFromFile() error: %v", err)
	}
	if kr.(*RealKeyRing).CountKeys() != 1 {
		t.Errorf("expected one key")
	}

	loose := writeFile(t, dir, "loose.asc", []byte(signer.publicKey), 0o666)
	if _, err := LoadKeyRingFromFile(loose); err == nil || !strings.Contains(err.Error(), "permissions") {
		t.Errorf("expected permission error, got %v", err)
	}

	bad := writeFile(t, dir, "bad.asc", []byte("-----BEGIN PGP PUBLIC KEY BLOCK-----\nnope"), 0o600)
	if _, err := LoadKeyRingFromFile(bad); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadKeyRingFromPath(t *testing.T) {
	a := newTestSigner(t, "a")
	b := newTestSigner(t, "b")
	dir := t.TempDir()
	writeFile(t, dir, "a.asc", []byte(a.publicKey), 0o600)
	writeFile(t, dir, "b.asc", []byte(b.publicKey), 0o644)
	writeFile(t, dir, "README.md", []byte("ignored"), 0o644)

	kr, err := LoadKeyRingFromPath(dir)
	if err != nil {
		t.Fatalf("LoadKeyRingFromPath() error: %v", err)
	}
	if n := kr.(*RealKeyRing).CountKeys(); n != 2 {
		t.Errorf("expected 2 keys, got %d", n)
	}

	msg := []byte("signed by b")
	if err := kr.VerifyDetached(msg, b.sign(t, msg)); err != nil {
		t.Errorf("expected signature by second key to verify: %v", err)
	}

	if _, err := LoadKeyRingFromPath(t.TempDir()); err == nil {
		t.Error("expected error for empty directory")
	}
}

func TestLoadKeyRing(t *testing.T) {
	signer := newTestSigner(t, "dispatch")
	dir := t.TempDir()
	file := writeFile(t, dir, "signing.asc", []byte(signer.publicKey), 0o600)

	for _, path := range []string{file, dir} {
		kr, err := LoadKeyRing(path)
		if err != nil {
			t.Fatalf("LoadKeyRing(%s) error: %v", path, err)
		}
		if n := kr.(*RealKeyRing).CountKeys(); n != 1 {
			t.Errorf("LoadKeyRing(%s) loaded %d keys", path, n)
		}
	}
	if _, err := LoadKeyRing(filepath.Join(dir, "missing.asc")); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestLoadKeyRingFromStrings_Errors(t *testing.T) {
	if _, err := LoadKeyRingFromStrings(nil); err == nil {
		t.Error("expected error for no keys")
	}
	if _, err := LoadKeyRingFromStrings([]string{""}); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestAddKey_Errors(t *testing.T) {
	kr := NewRealKeyRing()
	if err := kr.AddKey(nil); err == nil {
		t.Error("expected error for nil key")
	}
	if err := kr.AddKey(fakeKey{}); err == nil {
		t.Error("expected error for foreign key type")
	}
	if err := validateKey(fakeKey{}); err == nil {
		t.Error("expected unusable key to be rejected")
	}
}

type fakeKey struct{}

func (fakeKey) Usable() bool           { return false }
func (fakeKey) GetFingerprint() string { return "fake" }
