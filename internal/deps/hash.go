// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package deps computes stable dependency fingerprints over manifest files
// and caches per-environment state on disk.
package deps

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// hashChunkSize is the streaming read size for manifest contents.
const hashChunkSize = 1 << 20

// Hash returns the hex SHA-256 fingerprint of the manifest set plus
// metadata. The digest is order-independent for the inputs: manifest paths
// are sorted before hashing and metadata is folded in key-sorted order. Any
// change in a manifest's name, bytes or mtime changes the output.
//
// A missing manifest is a hard error, never an empty contribution.
func Hash(manifests []string, metadata map[string]string) (string, error) {
	paths := make([]string, len(manifests))
	copy(paths, manifests)
	sort.Strings(paths)

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	for _, p := range paths {
		if err := hashManifest(h, p, buf); err != nil {
			return "", err
		}
	}

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte(metadata[k]))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashManifest(h io.Writer, path string, buf []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("deps: manifest %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("deps: manifest %s: %w", path, err)
	}

	if _, err := h.Write([]byte(filepath.Base(path))); err != nil {
		return err
	}
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return fmt.Errorf("deps: read manifest %s: %w", path, err)
	}
	if _, err := h.Write([]byte(strconv.FormatInt(info.ModTime().UnixNano(), 10))); err != nil {
		return err
	}
	return nil
}
