//go:build postgres
// +build postgres

// This file is needed for conditional compilation. It's used when
// the build tag 'postgres' is defined. Otherwise the adapter is not compiled.

package main

import (
	// Register the postgres adapter.
	_ "github.com/deuxdrop/chat/server/db/postgres"
)
