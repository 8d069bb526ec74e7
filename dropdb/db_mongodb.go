//go:build mongodb
// +build mongodb

package main

import (
	// Register the mongodb adapter.
	_ "github.com/deuxdrop/chat/server/db/mongodb"
)
