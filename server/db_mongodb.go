//go:build mongodb
// +build mongodb

// This file is needed for conditional compilation. It's used when
// the build tag 'mongodb' is defined. Otherwise the adapter is not compiled.

package main

import (
	// Register the mongodb adapter.
	_ "github.com/deuxdrop/chat/server/db/mongodb"
)
