//go:build rethinkdb
// +build rethinkdb

// To run: go test -tags rethinkdb ./server/db/rethinkdb/tests -config ./test.conf

package tests

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"testing"

	jcr "github.com/tinode/jsonco"
	rdb "gopkg.in/rethinkdb/rethinkdb-go.v6"

	adapter "github.com/deuxdrop/chat/server/db"
	"github.com/deuxdrop/chat/server/db/common/testsuite"
	backend "github.com/deuxdrop/chat/server/db/rethinkdb"
	"github.com/deuxdrop/chat/server/logs"
	"github.com/deuxdrop/chat/server/store/types"
)

type configType struct {
	// If Reset=true test will recreate database every time it runs
	Reset bool `json:"reset_db_data"`
	// Configurations for individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

var config configType
var adp adapter.Adapter
var conn *rdb.Session

func TestCreateDb(t *testing.T) {
	if err := adp.CreateDb(config.Reset); err != nil {
		t.Fatal(err)
	}
	if err := adp.CheckDbVersion(); err != nil {
		t.Fatal(err)
	}
}

func TestContract(t *testing.T) {
	testsuite.RunAll(t, adp)
}

func TestIncrementNotInteger(t *testing.T) {
	ctx := context.Background()
	if err := adp.PutCells(ctx, "peeps", "p", types.Row{"d:nunread": types.MustValue("text")}); err != nil {
		t.Fatal(err)
	}
	if _, err := adp.IncrementCell(ctx, "peeps", "p", "d:nunread", 1); err == nil {
		t.Error("expected error incrementing a string cell")
	}
	// The failed increment leaves the cell intact.
	got, err := adp.GetCell(ctx, "peeps", "p", "d:nunread")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `"text"` {
		t.Errorf("cell changed by a failed increment: %s", got)
	}
}

func TestTables(t *testing.T) {
	cursor, err := rdb.DB("gendb_test").TableList().Run(conn)
	if err != nil {
		t.Fatal(err)
	}
	defer cursor.Close()

	var tables []string
	if err = cursor.All(&tables); err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"cells": true, "indices": true, "queues": true, "queueseq": true, "kvmeta": true}
	for _, tbl := range tables {
		delete(want, tbl)
	}
	if len(want) > 0 {
		t.Errorf("missing tables: %v", want)
	}
}

func TestMain(m *testing.M) {
	code := m.Run()
	rdb.DBDrop("gendb_test").RunWrite(conn)
	adp.Close()
	os.Exit(code)
}

func init() {
	logs.Init(os.Stderr, "stdFlags")
	adp = backend.GetTestAdapter()
	conffile := flag.String("config", "./test.conf", "config of the database connection")

	if file, err := os.Open(*conffile); err != nil {
		log.Fatal("Failed to read config file:", err)
	} else if err = json.NewDecoder(jcr.New(file)).Decode(&config); err != nil {
		log.Fatal("Failed to parse config file:", err)
	}

	if adp == nil {
		log.Fatal("Database adapter is missing")
	}
	if adp.IsOpen() {
		log.Print("Connection is already opened")
	}

	if err := adp.Open(config.Adapters[adp.GetName()]); err != nil {
		log.Fatal(err)
	}
	conn = adp.GetTestDB().(*rdb.Session)
}
