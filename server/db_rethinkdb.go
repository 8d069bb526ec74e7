//go:build rethinkdb
// +build rethinkdb

// This file is needed for conditional compilation. It's used when
// the build tag 'rethinkdb' is defined. Otherwise the adapter is not compiled.

package main

import (
	// Register the rethinkdb adapter.
	_ "github.com/deuxdrop/chat/server/db/rethinkdb"
)
