//go:build rethinkdb
// +build rethinkdb

package main

import (
	// Register the rethinkdb adapter.
	_ "github.com/deuxdrop/chat/server/db/rethinkdb"
)
