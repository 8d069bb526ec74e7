//go:build postgres
// +build postgres

package main

import (
	// Register the postgres adapter.
	_ "github.com/deuxdrop/chat/server/db/postgres"
)
