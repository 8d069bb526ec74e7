//go:build pebble
// +build pebble

// This file is needed for conditional compilation. It's used when
// the build tag 'pebble' is defined. Otherwise the adapter is not compiled.

package main

import (
	// Register the pebble adapter.
	_ "github.com/deuxdrop/chat/server/db/pebble"
)
