//go:build pebble
// +build pebble

// To run: go test -tags pebble ./server/db/pebble/tests -config ./test.conf
// Without a config file the database is created in a temporary directory.

package tests

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"testing"

	"github.com/cockroachdb/pebble"
	jcr "github.com/tinode/jsonco"

	adapter "github.com/deuxdrop/chat/server/db"
	"github.com/deuxdrop/chat/server/db/common/testsuite"
	backend "github.com/deuxdrop/chat/server/db/pebble"
	"github.com/deuxdrop/chat/server/logs"
)

type configType struct {
	// If Reset=true test will recreate database every time it runs
	Reset bool `json:"reset_db_data"`
	// Configurations for individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

var config configType
var adp adapter.Adapter
var tmpDir string

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

func TestCreateDbTwice(t *testing.T) {
	if err := adp.CreateDb(false); err == nil {
		t.Error("CreateDb without reset must fail on an initialized database")
	}
}

func TestPersistence(t *testing.T) {
	db := adp.GetTestDB().(*pebble.DB)
	if db == nil {
		t.Fatal("no database handle")
	}
	// The version marker and the contract data are on disk.
	iter, err := db.NewIter(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer iter.Close()
	if !iter.First() {
		t.Error("database is empty")
	}
}

func TestMain(m *testing.M) {
	code := m.Run()
	adp.Close()
	if tmpDir != "" {
		os.RemoveAll(tmpDir)
	}
	os.Exit(code)
}

func init() {
	logs.Init(os.Stderr, "stdFlags")
	adp = backend.GetTestAdapter()
	conffile := flag.String("config", "./test.conf", "config of the database connection")

	if file, err := os.Open(*conffile); err == nil {
		if err = json.NewDecoder(jcr.New(file)).Decode(&config); err != nil {
			log.Fatal("Failed to parse config file:", err)
		}
		file.Close()
	} else {
		dir, err := os.MkdirTemp("", "gendb-pebble")
		if err != nil {
			log.Fatal(err)
		}
		tmpDir = dir
		raw, _ := json.Marshal(map[string]any{"path": dir, "no_sync": true})
		config = configType{Reset: true, Adapters: map[string]json.RawMessage{"pebble": raw}}
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
}
