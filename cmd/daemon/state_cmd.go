// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ManuGH/debugd/internal/statestore"
)

// runStateCLI manages the operator's encrypted server/session inventory.
// Key material comes from DEBUGD_OPERATOR_KEY and never touches disk.
func runStateCLI(args []string) int {
	if len(args) == 0 {
		stateUsage()
		return 2
	}

	key := os.Getenv("DEBUGD_OPERATOR_KEY")
	if key == "" {
		fmt.Fprintln(os.Stderr, "DEBUGD_OPERATOR_KEY is required for state commands")
		return 2
	}
	dir := os.Getenv("DEBUGD_STATE_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, "cannot resolve home directory; set DEBUGD_STATE_DIR")
			return 2
		}
		dir = filepath.Join(home, ".debugd", "state")
	}

	st, err := statestore.New(dir, []byte(key))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	inv, err := statestore.LoadInventory(st)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	switch args[0] {
	case "servers":
		for name, srv := range inv.Servers {
			fmt.Printf("%s\t%s\n", name, srv.BaseURL)
		}
		return 0

	case "sessions":
		for id, s := range inv.Sessions {
			fmt.Printf("%s\t%s\t%s@%s\n", id, s.Server, s.Repository, s.CommitSHA)
		}
		return 0

	case "add-server":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: daemon state add-server <name> <base-url> [token]")
			return 2
		}
		rec := statestore.ServerRecord{
			Name:      args[1],
			BaseURL:   args[2],
			CreatedAt: time.Now().UTC(),
		}
		if len(args) > 3 {
			rec.Token = args[3]
		}
		inv.Servers[rec.Name] = rec
		return saveInventory(st, inv)

	case "add-session":
		if len(args) < 5 {
			fmt.Fprintln(os.Stderr, "usage: daemon state add-session <id> <server> <repository> <commit>")
			return 2
		}
		inv.Sessions[args[1]] = statestore.SessionRecord{
			SessionID:  args[1],
			Server:     args[2],
			Repository: args[3],
			CommitSHA:  args[4],
			CreatedAt:  time.Now().UTC(),
		}
		return saveInventory(st, inv)

	case "forget-server":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: daemon state forget-server <name>")
			return 2
		}
		delete(inv.Servers, args[1])
		return saveInventory(st, inv)

	case "forget-session":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: daemon state forget-session <id>")
			return 2
		}
		delete(inv.Sessions, args[1])
		return saveInventory(st, inv)

	default:
		stateUsage()
		return 2
	}
}

func saveInventory(st *statestore.Store, inv statestore.Inventory) int {
	if err := statestore.SaveInventory(st, inv); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func stateUsage() {
	fmt.Fprintln(os.Stderr, `usage: daemon state <command>

commands:
  servers                                      list known servers
  add-server <name> <base-url> [token]         record a server
  forget-server <name>                         remove a server
  sessions                                     list tracked sessions
  add-session <id> <server> <repo> <commit>    record a remote session
  forget-session <id>                          remove a session`)
}
