// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age/armor"
)

func generate(t *testing.T) Keypair {
	t.Helper()
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return keypair
}

func TestGenerateKeypair(t *testing.T) {
	t.Parallel()

	keypair := generate(t)
	if !strings.HasPrefix(keypair.Identity, "AGE-SECRET-KEY-1") {
		t.Errorf("Identity = %q, want prefix AGE-SECRET-KEY-1", keypair.Identity)
	}
	if !strings.HasPrefix(keypair.Recipient, "age1") {
		t.Errorf("Recipient = %q, want prefix age1", keypair.Recipient)
	}
	if other := generate(t); other.Identity == keypair.Identity {
		t.Error("two generated identities are equal")
	}
}

func TestSealOpen(t *testing.T) {
	t.Parallel()

	operator := generate(t)
	escrow := generate(t)
	ciphertext, err := Seal([]byte("sk-test-123"), operator.Recipient, escrow.Recipient)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !bytes.HasPrefix(ciphertext, []byte(armor.Header)) {
		t.Errorf("ciphertext is not armored:\n%s", ciphertext)
	}
	if bytes.Contains(ciphertext, []byte("sk-test-123")) {
		t.Error("ciphertext contains the plaintext")
	}

	for name, keypair := range map[string]Keypair{"operator": operator, "escrow": escrow} {
		identityFile := "# created for tests\n" + keypair.Identity + "\n"
		plaintext, err := Open(ciphertext, []byte(identityFile))
		if err != nil {
			t.Fatalf("Open with %s: %v", name, err)
		}
		if string(plaintext) != "sk-test-123" {
			t.Errorf("Open with %s = %q", name, plaintext)
		}
	}
}

func TestOpenWrongIdentity(t *testing.T) {
	t.Parallel()

	ciphertext, err := Seal([]byte("secret"), generate(t).Recipient)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(ciphertext, []byte(generate(t).Identity)); err == nil {
		t.Error("Open succeeded with the wrong identity")
	}
}

func TestSealErrors(t *testing.T) {
	t.Parallel()

	if _, err := Seal([]byte("x")); err == nil {
		t.Error("Seal accepted no recipients")
	}
	if _, err := Seal([]byte("x"), "not-a-key"); err == nil {
		t.Error("Seal accepted an invalid recipient")
	}
	if _, err := Open([]byte("garbage"), []byte("not an identity")); err == nil {
		t.Error("Open accepted an invalid identity file")
	}
}

func TestWriteKeyReadKey(t *testing.T) {
	t.Parallel()

	directory := t.TempDir()
	keypair := generate(t)
	identityPath := filepath.Join(directory, "identity.txt")
	if err := os.WriteFile(identityPath, []byte(keypair.Identity+"\n"), 0o600); err != nil {
		t.Fatalf("writing identity: %v", err)
	}

	keyPath := filepath.Join(directory, "api-key.age")
	if err := WriteKey(keyPath, "  sk-live-abc\n", keypair.Recipient); err != nil {
		t.Fatalf("WriteKey: %v", err)
	}
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}

	key, err := ReadKey(keyPath, identityPath)
	if err != nil {
		t.Fatalf("ReadKey: %v", err)
	}
	if key != "sk-live-abc" {
		t.Errorf("ReadKey = %q, want sk-live-abc", key)
	}

	emptyPath := filepath.Join(directory, "empty.age")
	if err := WriteKey(emptyPath, "   ", keypair.Recipient); err != nil {
		t.Fatalf("WriteKey(empty): %v", err)
	}
	if _, err := ReadKey(emptyPath, identityPath); err == nil {
		t.Error("ReadKey accepted an empty key")
	}
	if _, err := ReadKey(filepath.Join(directory, "missing"), identityPath); err == nil {
		t.Error("ReadKey accepted a missing file")
	}
}
