// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package statestore

import (
	"errors"
	"time"
)

// ServerRecord is an operator-tracked server instance.
type ServerRecord struct {
	Name      string    `json:"name"`
	BaseURL   string    `json:"base_url"`
	Token     string    `json:"token,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionRecord is an operator-tracked remote session.
type SessionRecord struct {
	SessionID  string    `json:"session_id"`
	Server     string    `json:"server"`
	Repository string    `json:"repository"`
	CommitSHA  string    `json:"commit_sha"`
	CreatedAt  time.Time `json:"created_at"`
}

// Inventory is the operator's encrypted view of known servers and sessions.
type Inventory struct {
	Servers  map[string]ServerRecord  `json:"servers"`
	Sessions map[string]SessionRecord `json:"sessions"`
}

const inventoryKey = "inventory"

// LoadInventory reads the inventory, returning an empty one when absent.
func LoadInventory(s *Store) (Inventory, error) {
	var inv Inventory
	err := s.Load(inventoryKey, &inv)
	if err == nil {
		if inv.Servers == nil {
			inv.Servers = map[string]ServerRecord{}
		}
		if inv.Sessions == nil {
			inv.Sessions = map[string]SessionRecord{}
		}
		return inv, nil
	}
	if errors.Is(err, ErrNotFound) {
		return Inventory{
			Servers:  map[string]ServerRecord{},
			Sessions: map[string]SessionRecord{},
		}, nil
	}
	return Inventory{}, err
}

// SaveInventory persists the inventory.
func SaveInventory(s *Store, inv Inventory) error {
	return s.Save(inventoryKey, inv)
}
