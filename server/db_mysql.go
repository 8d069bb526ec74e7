//go:build mysql
// +build mysql

// This file is needed for conditional compilation. It's used when
// the build tag 'mysql' is defined. Otherwise the adapter is not compiled.

package main

import (
	// Register the mysql adapter.
	_ "github.com/deuxdrop/chat/server/db/mysql"
)
