//go:build pebble
// +build pebble

package main

import (
	// Register the pebble adapter.
	_ "github.com/deuxdrop/chat/server/db/pebble"
)
