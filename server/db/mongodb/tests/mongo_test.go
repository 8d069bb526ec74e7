//go:build mongodb
// +build mongodb

// To run: go test -tags mongodb ./server/db/mongodb/tests -config ./test.conf

package tests

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"testing"

	jcr "github.com/tinode/jsonco"
	b "go.mongodb.org/mongo-driver/bson"
	mdb "go.mongodb.org/mongo-driver/mongo"

	adapter "github.com/deuxdrop/chat/server/db"
	"github.com/deuxdrop/chat/server/db/common/testsuite"
	backend "github.com/deuxdrop/chat/server/db/mongodb"
	"github.com/deuxdrop/chat/server/logs"
	types "github.com/deuxdrop/chat/server/store/types"
)

type configType struct {
	// If Reset=true test will recreate database every time it runs
	Reset bool `json:"reset_db_data"`
	// Configurations for individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

var config configType
var adp adapter.Adapter
var db *mdb.Database
var ctx context.Context

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

// Cell names with characters reserved in document field names survive the round trip.
func TestEscapedCellNames(t *testing.T) {
	names := []string{"d:a.b", "d:$x", "d:100%", "d:%2E"}
	row := types.Row{}
	for i, name := range names {
		row[name] = types.IntValue(int64(i))
	}
	if err := adp.PutCells(ctx, "peeps", "esc", row); err != nil {
		t.Fatal(err)
	}
	got, err := adp.GetRow(ctx, "peeps", "esc")
	if err != nil {
		t.Fatal(err)
	}
	for i, name := range names {
		if n, _ := got.Get(name).Int64(); n != int64(i) || got.Get(name).IsAbsent() {
			t.Errorf("cell %q: got %s", name, got.Get(name))
		}
	}
	if len(got) != len(names) {
		t.Errorf("row has %d cells, want %d", len(got), len(names))
	}
}

// One document per row.
func TestRowIsOneDocument(t *testing.T) {
	if err := adp.PutCells(ctx, "convs", "doc", types.Row{"m:i": types.MustValue("x"), "d:m0": types.MustValue(1)}); err != nil {
		t.Fatal(err)
	}
	count, err := db.Collection("cells").CountDocuments(ctx, b.M{"_id": "convs\x00doc"})
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected one document for the row, got %d", count)
	}
}

func TestMain(m *testing.M) {
	code := m.Run()
	if err := db.Drop(ctx); err != nil {
		log.Print("Failed to drop the test database: ", err)
	}
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

	db = adp.GetTestDB().(*mdb.Database)
	ctx = context.Background()
}
