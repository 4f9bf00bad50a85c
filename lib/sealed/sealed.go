// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed stores provider API keys age-encrypted at rest. A
// sealed key file is ASCII-armored age ciphertext encrypted to one or
// more x25519 recipients; the binary decrypts it at startup with an
// identity file that never leaves the operator's machine.
//
// Keys are short, so everything is held in memory: [Seal] returns the
// armored file contents and [Open] takes them back.
package sealed

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// maxKeyFileSize bounds how much of a key or identity file is read.
const maxKeyFileSize = 1 << 20

// Keypair is an age x25519 keypair in its text forms.
type Keypair struct {
	// Identity is the secret key (AGE-SECRET-KEY-1...). Never log it.
	Identity string

	// Recipient is the public key (age1...).
	Recipient string
}

// GenerateKeypair creates a new x25519 keypair.
func GenerateKeypair() (Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return Keypair{}, fmt.Errorf("sealed: generating keypair: %w", err)
	}
	return Keypair{
		Identity:  identity.String(),
		Recipient: identity.Recipient().String(),
	}, nil
}

// Seal encrypts plaintext to every recipient and returns armored
// ciphertext. At least one recipient is required.
func Seal(plaintext []byte, recipientKeys ...string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("sealed: at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("sealed: parsing recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var buffer bytes.Buffer
	armored := armor.NewWriter(&buffer)
	writer, err := age.Encrypt(armored, recipients...)
	if err != nil {
		return nil, fmt.Errorf("sealed: creating encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealed: encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing armor: %w", err)
	}
	return buffer.Bytes(), nil
}

// Open decrypts ciphertext with the identities in identityFile (the
// contents of an age identity file: one key per line, # comments
// allowed). Armored and binary ciphertext are both accepted.
func Open(ciphertext, identityFile []byte) ([]byte, error) {
	identities, err := age.ParseIdentities(bytes.NewReader(identityFile))
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing identities: %w", err)
	}

	var source io.Reader = bytes.NewReader(ciphertext)
	if bytes.HasPrefix(bytes.TrimSpace(ciphertext), []byte(armor.Header)) {
		source = armor.NewReader(bytes.NewReader(bytes.TrimSpace(ciphertext)))
	}
	reader, err := age.Decrypt(source, identities...)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(io.LimitReader(reader, maxKeyFileSize))
	if err != nil {
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	return plaintext, nil
}

// ReadKey decrypts the sealed key file at keyPath with the identity
// file at identityPath and returns the key with surrounding
// whitespace removed. An empty key is an error.
func ReadKey(keyPath, identityPath string) (string, error) {
	ciphertext, err := readBounded(keyPath)
	if err != nil {
		return "", err
	}
	identityFile, err := readBounded(identityPath)
	if err != nil {
		return "", err
	}
	plaintext, err := Open(ciphertext, identityFile)
	if err != nil {
		return "", fmt.Errorf("%w (%s)", err, keyPath)
	}
	key := strings.TrimSpace(string(plaintext))
	if key == "" {
		return "", fmt.Errorf("sealed: %s decrypts to an empty key", keyPath)
	}
	return key, nil
}

// WriteKey seals key to the recipients and writes it to path with
// owner-only permissions.
func WriteKey(path, key string, recipientKeys ...string) error {
	sealed, err := Seal([]byte(strings.TrimSpace(key)), recipientKeys...)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return fmt.Errorf("sealed: writing %s: %w", path, err)
	}
	return nil
}

func readBounded(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sealed: %w", err)
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxKeyFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("sealed: reading %s: %w", path, err)
	}
	if len(data) > maxKeyFileSize {
		return nil, fmt.Errorf("sealed: %s is larger than %d bytes", path, maxKeyFileSize)
	}
	return data, nil
}
