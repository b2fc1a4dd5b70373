package vault

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rexec/internal/types"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	encoded, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	key, err := ParseKey(encoded)
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	v, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestEncryptDecrypt(t *testing.T) {
	v := newTestVault(t)
	for _, secret := range []string{"", "hunter2", "pässwörd with spaces", strings.Repeat("k", 4096)} {
		env, err := v.Encrypt(secret)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if secret != "" && strings.Contains(env, secret) {
			t.Fatalf("envelope contains plaintext")
		}
		if !IsEnvelope(env) {
			t.Fatalf("IsEnvelope(%q) = false", env)
		}
		got, err := v.Decrypt(env)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != secret {
			t.Errorf("Decrypt = %q, want %q", got, secret)
		}
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	v := newTestVault(t)
	a, _ := v.Encrypt("same")
	b, _ := v.Encrypt("same")
	if a == b {
		t.Fatal("two encryptions of the same value are identical")
	}
}

func TestDecryptWithOtherKey(t *testing.T) {
	a, b := newTestVault(t), newTestVault(t)
	env, err := a.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.Decrypt(env)
	if !errors.Is(err, ErrKeyMismatch) || !errors.Is(err, ErrDecrypt) {
		t.Fatalf("err = %v, want ErrKeyMismatch", err)
	}
}

func TestDecryptCorrupt(t *testing.T) {
	v := newTestVault(t)
	env, err := v.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}
	// Flip a character well inside the payload so it changes real bits.
	i := len(env) - 10
	flip := byte('A')
	if env[i] == 'A' {
		flip = 'B'
	}
	cases := map[string]string{
		"empty":         "",
		"no version":    strings.TrimPrefix(env, "v1"),
		"wrong version": "v9" + strings.TrimPrefix(env, "v1"),
		"bad base64":    env[:strings.LastIndex(env, ".")+1] + "!!!",
		"truncated":     env[:strings.LastIndex(env, ".")+5],
		"tampered":      env[:i] + string(flip) + env[i+1:],
	}
	for name, in := range cases {
		_, err := v.Decrypt(in)
		if !errors.Is(err, ErrCorrupt) {
			t.Errorf("%s: err = %v, want ErrCorrupt", name, err)
		}
	}
}

func TestSealOpenCredential(t *testing.T) {
	v := newTestVault(t)
	cred := types.Credential{Password: "pw", ElevationSecret: "root-pw"}
	sealed, err := v.SealCredential("h1", cred)
	if err != nil {
		t.Fatalf("SealCredential: %v", err)
	}
	if sealed.PrivateKey != "" || sealed.Passphrase != "" {
		t.Errorf("empty fields were sealed: %+v", sealed)
	}
	if sealed.Password == "pw" || sealed.ElevationSecret == "root-pw" {
		t.Fatal("credential stored in plaintext")
	}
	got, err := v.OpenCredential(sealed)
	if err != nil {
		t.Fatalf("OpenCredential: %v", err)
	}
	if got != cred {
		t.Errorf("OpenCredential mismatch")
	}

	other := newTestVault(t)
	if _, err := other.OpenCredential(sealed); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("open with other key: err = %v", err)
	}
}

func TestParseKey(t *testing.T) {
	if _, err := ParseKey("not base64 !!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := ParseKey("c2hvcnQ="); err == nil {
		t.Error("expected error for short key")
	}
	encoded, _ := GenerateKey()
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	k1, err := LoadKeyFile(path)
	if err != nil {
		t.Fatalf("LoadKeyFile: %v", err)
	}
	k2, _ := ParseKey(encoded)
	if k1.ID() != k2.ID() {
		t.Error("same key produced different ids")
	}
	if strings.Contains(k1.String(), encoded) {
		t.Error("key String leaks material")
	}
}
