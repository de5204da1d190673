// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package statestore persists operator-side JSON state encrypted with a
// per-install key. Key material arrives out-of-band; nothing here ever
// stores it.
package statestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"golang.org/x/crypto/scrypt"
)

// ErrDecrypt is returned when key material does not match the stored
// envelope. Never silently recovered.
var ErrDecrypt = errors.New("statestore: decryption failed")

// ErrNotFound is returned when no state exists under the given name.
var ErrNotFound = errors.New("statestore: not found")

// Envelope layout: magic || salt (16) || nonce (12) || GCM ciphertext.
var magic = []byte("DBGS1")

const saltSize = 16

// scrypt cost parameters. Interactive-grade; state files are small and
// written rarely.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// Store encrypts one JSON document per name under dir.
type Store struct {
	dir string
	key []byte
}

// New creates the directory and retains the raw key material.
func New(dir string, key []byte) (*Store, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("statestore: key material must not be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("statestore: create dir: %w", err)
	}
	return &Store{dir: dir, key: key}, nil
}

// Save encrypts payload and atomically replaces the named state file.
func (s *Store) Save(name string, payload any) error {
	plain, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("statestore: encode %q: %w", name, err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("statestore: entropy unavailable: %w", err)
	}
	aead, err := s.aead(salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("statestore: entropy unavailable: %w", err)
	}

	envelope := make([]byte, 0, len(magic)+saltSize+len(nonce)+len(plain)+aead.Overhead())
	envelope = append(envelope, magic...)
	envelope = append(envelope, salt...)
	envelope = append(envelope, nonce...)
	envelope = aead.Seal(envelope, nonce, plain, magic)

	if err := renameio.WriteFile(s.path(name), envelope, 0o600); err != nil {
		return fmt.Errorf("statestore: write %q: %w", name, err)
	}
	return nil
}

// Load decrypts the named state into out. A key mismatch or tampered
// envelope yields ErrDecrypt.
func (s *Store) Load(name string, out any) error {
	envelope, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("statestore: %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("statestore: read %q: %w", name, err)
	}
	if len(envelope) < len(magic)+saltSize+12 || string(envelope[:len(magic)]) != string(magic) {
		return ErrDecrypt
	}
	envelope = envelope[len(magic):]
	salt, envelope := envelope[:saltSize], envelope[saltSize:]

	aead, err := s.aead(salt)
	if err != nil {
		return err
	}
	if len(envelope) < aead.NonceSize() {
		return ErrDecrypt
	}
	nonce, ciphertext := envelope[:aead.NonceSize()], envelope[aead.NonceSize():]

	plain, err := aead.Open(nil, nonce, ciphertext, magic)
	if err != nil {
		return ErrDecrypt
	}
	if err := json.Unmarshal(plain, out); err != nil {
		return fmt.Errorf("statestore: decode %q: %w", name, err)
	}
	return nil
}

// Delete removes the named state. Missing files are no-ops.
func (s *Store) Delete(name string) error {
	err := os.Remove(s.path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("statestore: delete %q: %w", name, err)
	}
	return nil
}

func (s *Store) aead(salt []byte) (cipher.AEAD, error) {
	derived, err := scrypt.Key(s.key, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("statestore: derive key: %w", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("statestore: init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (s *Store) path(name string) string {
	safe := strings.ReplaceAll(name, "/", "_")
	return filepath.Join(s.dir, safe+".enc")
}
