//go:build mysql
// +build mysql

package main

import (
	// Register the mysql adapter.
	_ "github.com/deuxdrop/chat/server/db/mysql"
)
