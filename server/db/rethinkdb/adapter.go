//go:build rethinkdb
// +build rethinkdb

// Package rethinkdb is a GenDb adapter for RethinkDB.
package rethinkdb

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/deuxdrop/chat/server/db/common"
	"github.com/deuxdrop/chat/server/logs"
	"github.com/deuxdrop/chat/server/store"
	t "github.com/deuxdrop/chat/server/store/types"
	rdb "gopkg.in/rethinkdb/rethinkdb-go.v6"
)

// adapter holds RethinkDb connection data.
type adapter struct {
	conn       *rdb.Session
	dbName     string
	maxResults int
	version    int
}

const (
	defaultHost     = "localhost:28015"
	defaultDatabase = "gendb"

	adpVersion  = 100
	adapterName = "rethinkdb"

	defaultMaxResults = 1024

	tblCells    = "cells"
	tblIndices  = "indices"
	tblQueues   = "queues"
	tblQueueSeq = "queueseq"
	tblKvmeta   = "kvmeta"

	// Secondary indices.
	idxNsScore = "ns_score"
	idxQueue   = "q_seq"
)

// See https://godoc.org/gopkg.in/rethinkdb/rethinkdb-go.v6#ConnectOpts for explanations.
type configType struct {
	Database          string `json:"database,omitempty"`
	Addresses         any    `json:"addresses,omitempty"`
	Username          string `json:"username,omitempty"`
	Password          string `json:"password,omitempty"`
	AuthKey           string `json:"authkey,omitempty"`
	Timeout           int    `json:"timeout,omitempty"`
	WriteTimeout      int    `json:"write_timeout,omitempty"`
	ReadTimeout       int    `json:"read_timeout,omitempty"`
	KeepAlivePeriod   int    `json:"keep_alive_timeout,omitempty"`
	UseJSONNumber     bool   `json:"use_json_number,omitempty"`
	NumRetries        int    `json:"num_retries,omitempty"`
	InitialCap        int    `json:"initial_cap,omitempty"`
	MaxOpen           int    `json:"max_open,omitempty"`
	DiscoverHosts     bool   `json:"discover_hosts,omitempty"`
	HostDecayDuration int    `json:"host_decay_duration,omitempty"`
}

// Open initializes rethinkdb session
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.conn != nil {
		return errors.New("adapter rethinkdb is already connected")
	}

	var err error
	var config configType
	if len(jsonconfig) > 0 {
		if err = json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("adapter rethinkdb failed to parse config: " + err.Error())
		}
	}

	var opts rdb.ConnectOpts

	if config.Addresses == nil {
		opts.Address = defaultHost
	} else if host, ok := config.Addresses.(string); ok {
		opts.Address = host
	} else if ihosts, ok := config.Addresses.([]any); ok && len(ihosts) > 0 {
		hosts := make([]string, len(ihosts))
		for i, ih := range ihosts {
			h, ok := ih.(string)
			if !ok || h == "" {
				return errors.New("adapter rethinkdb invalid config.Addresses value")
			}
			hosts[i] = h
		}
		opts.Addresses = hosts
	} else {
		return errors.New("adapter rethinkdb failed to parse config.Addresses")
	}

	if config.Database == "" {
		a.dbName = defaultDatabase
	} else {
		a.dbName = config.Database
	}

	if a.maxResults <= 0 {
		a.maxResults = defaultMaxResults
	}

	opts.Database = a.dbName
	opts.Username = config.Username
	opts.Password = config.Password
	opts.AuthKey = config.AuthKey
	opts.Timeout = time.Duration(config.Timeout) * time.Second
	opts.WriteTimeout = time.Duration(config.WriteTimeout) * time.Second
	opts.ReadTimeout = time.Duration(config.ReadTimeout) * time.Second
	opts.KeepAlivePeriod = time.Duration(config.KeepAlivePeriod) * time.Second
	opts.UseJSONNumber = config.UseJSONNumber
	opts.NumRetries = config.NumRetries
	opts.InitialCap = config.InitialCap
	opts.MaxOpen = config.MaxOpen
	opts.DiscoverHosts = config.DiscoverHosts
	opts.HostDecayDuration = time.Duration(config.HostDecayDuration) * time.Second

	a.conn, err = rdb.Connect(opts)
	if err != nil {
		return err
	}

	rdb.SetTags("json")
	a.version = -1

	return nil
}

// Close closes the underlying database connection
func (a *adapter) Close() error {
	var err error
	if a.conn != nil {
		// Close will wait for all outstanding requests to finish
		err = a.conn.Close()
		a.conn = nil
		a.version = -1
	}
	return err
}

// IsOpen returns true if connection to database has been established. It does not check if
// connection is actually live.
func (a *adapter) IsOpen() bool {
	return a.conn != nil
}

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	if a.version > 0 {
		return a.version, nil
	}

	cursor, err := rdb.DB(a.dbName).Table(tblKvmeta).Get("version").Field("value").Run(a.conn)
	if err != nil {
		if isMissingDb(err) {
			err = errors.New("Database not initialized")
		}
		return -1, err
	}
	defer cursor.Close()

	if cursor.IsNil() {
		return -1, errors.New("Database not initialized")
	}

	var vers int
	if err = cursor.One(&vers); err != nil {
		return -1, err
	}

	a.version = vers

	return vers, nil
}

// CheckDbVersion checks whether the actual DB version matches the expected version of this adapter.
func (a *adapter) CheckDbVersion() error {
	version, err := a.GetDbVersion()
	if err != nil {
		return err
	}

	if version != adpVersion {
		return errors.New("Invalid database version " + strconv.Itoa(version) +
			". Expected " + strconv.Itoa(adpVersion))
	}

	return nil
}

// SetMaxResults configures how many results can be returned in a single DB call.
func (a *adapter) SetMaxResults(val int) error {
	if val <= 0 {
		a.maxResults = defaultMaxResults
	} else {
		a.maxResults = val
	}

	return nil
}

// Version returns adapter version.
func (adapter) Version() int {
	return adpVersion
}

// GetName returns string that adapter uses to register itself with store.
func (a *adapter) GetName() string {
	return adapterName
}

// Stats returns DB connection stats object.
func (a *adapter) Stats() any {
	if a.conn == nil {
		return nil
	}

	cursor, err := rdb.DB("rethinkdb").Table("stats").Get([]string{"cluster"}).Field("query_engine").Run(a.conn)
	if err != nil {
		return nil
	}
	defer cursor.Close()

	var stats []any
	if err = cursor.All(&stats); err != nil || len(stats) < 1 {
		return nil
	}

	return stats[0]
}

// GetTestDB returns the session. Use in tests only.
func (a *adapter) GetTestDB() any {
	return a.conn
}

// CreateDb initializes the storage. If reset is true, the database is first deleted losing all the data.
func (a *adapter) CreateDb(reset bool) error {
	// Drop database if exists, ignore error if it does not.
	if reset {
		logs.Info.Print("Dropping database...")
		rdb.DBDrop(a.dbName).RunWrite(a.conn)
	}

	if _, err := rdb.DBCreate(a.dbName).RunWrite(a.conn); err != nil {
		return err
	}

	// Rows: {id: table\0row, cells: {name: value}}. A row is one document so single row
	// writes are atomic.
	if _, err := rdb.DB(a.dbName).TableCreate(tblCells, rdb.TableCreateOpts{PrimaryKey: "id"}).RunWrite(a.conn); err != nil {
		return err
	}

	// Index entries: {id: table\0index\0param\0object, ns: table\0index\0param, obj, score}
	if _, err := rdb.DB(a.dbName).TableCreate(tblIndices, rdb.TableCreateOpts{PrimaryKey: "id"}).RunWrite(a.conn); err != nil {
		return err
	}
	if _, err := rdb.DB(a.dbName).Table(tblIndices).IndexCreateFunc(idxNsScore,
		func(row rdb.Term) any {
			return []any{row.Field("ns"), row.Field("score")}
		}).RunWrite(a.conn); err != nil {
		return err
	}

	// Queue items: {id: <uuid>, q: table\0key, seq, item}
	if _, err := rdb.DB(a.dbName).TableCreate(tblQueues).RunWrite(a.conn); err != nil {
		return err
	}
	if _, err := rdb.DB(a.dbName).Table(tblQueues).IndexCreateFunc(idxQueue,
		func(row rdb.Term) any {
			return []any{row.Field("q"), row.Field("seq")}
		}).RunWrite(a.conn); err != nil {
		return err
	}
	// Next sequence number of every queue: {id: table\0key, next}
	if _, err := rdb.DB(a.dbName).TableCreate(tblQueueSeq, rdb.TableCreateOpts{PrimaryKey: "id"}).RunWrite(a.conn); err != nil {
		return err
	}

	// Key-value metadata.
	if _, err := rdb.DB(a.dbName).TableCreate(tblKvmeta, rdb.TableCreateOpts{PrimaryKey: "id"}).RunWrite(a.conn); err != nil {
		return err
	}

	if _, err := rdb.DB(a.dbName).Table(tblIndices).IndexWait().RunWrite(a.conn); err != nil {
		return err
	}
	if _, err := rdb.DB(a.dbName).Table(tblQueues).IndexWait().RunWrite(a.conn); err != nil {
		return err
	}

	if _, err := rdb.DB(a.dbName).Table(tblKvmeta).Insert(
		map[string]any{"id": "version", "value": adpVersion}).RunWrite(a.conn); err != nil {
		return err
	}

	a.version = -1
	return nil
}

// UpgradeDb upgrades the database, if necessary.
func (a *adapter) UpgradeDb() error {
	if _, err := a.GetDbVersion(); err != nil {
		return err
	}

	if a.version != adpVersion {
		return errors.New("Failed to perform database upgrade to version " + strconv.Itoa(adpVersion) +
			". DB is still at " + strconv.Itoa(a.version))
	}
	return nil
}

func isMissingDb(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()
	return strings.Contains(msg, "Database `") && strings.Contains(msg, "` does not exist")
}

func runOpts(ctx context.Context) rdb.RunOpts {
	return rdb.RunOpts{Context: ctx}
}

func execOpts(ctx context.Context) rdb.ExecOpts {
	return rdb.ExecOpts{Context: ctx}
}

func docId(parts ...string) string {
	return strings.Join(parts, "\x00")
}

// Cells are stored as strings: the values are serialized JSON.

type rowDoc struct {
	Id    string            `json:"id"`
	Cells map[string]string `json:"cells"`
}

// GetRow returns all cells of the row.
func (a *adapter) GetRow(ctx context.Context, table, rowID string) (t.Row, error) {
	cursor, err := rdb.DB(a.dbName).Table(tblCells).Get(docId(table, rowID)).Run(a.conn, runOpts(ctx))
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	row := t.Row{}
	if cursor.IsNil() {
		return row, nil
	}

	var doc rowDoc
	if err = cursor.One(&doc); err != nil {
		if err == rdb.ErrEmptyResult {
			return row, nil
		}
		return nil, err
	}
	for name, val := range doc.Cells {
		row[name] = t.Value(val)
	}
	return row, nil
}

// GetCell returns a single cell.
func (a *adapter) GetCell(ctx context.Context, table, rowID, cell string) (t.Value, error) {
	cursor, err := rdb.DB(a.dbName).Table(tblCells).Get(docId(table, rowID)).
		Field("cells").Field(cell).Default(nil).Run(a.conn, runOpts(ctx))
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	if cursor.IsNil() {
		return t.Absent, nil
	}
	var val string
	if err = cursor.One(&val); err != nil {
		if err == rdb.ErrEmptyResult {
			return t.Absent, nil
		}
		return nil, err
	}
	return t.Value(val), nil
}

// PutCells writes all cells of the map with a single document write.
func (a *adapter) PutCells(ctx context.Context, table, rowID string, cells t.Row) error {
	if err := common.ValidateCells(cells); err != nil {
		return err
	}
	if len(cells) == 0 {
		return nil
	}

	set := map[string]any{}
	patch := map[string]any{}
	for name, val := range cells {
		if val.IsAbsent() {
			// Literal without a value removes the field when merged.
			patch[name] = rdb.Literal()
		} else {
			set[name] = string(val)
			patch[name] = string(val)
		}
	}

	id := docId(table, rowID)
	if len(set) == 0 {
		_, err := rdb.DB(a.dbName).Table(tblCells).Get(id).
			Update(map[string]any{"cells": patch}).RunWrite(a.conn, runOpts(ctx))
		return err
	}

	_, err := rdb.DB(a.dbName).Table(tblCells).Insert(
		map[string]any{"id": id, "cells": set},
		rdb.InsertOpts{
			Conflict: func(_, oldDoc, _ rdb.Term) any {
				return oldDoc.Merge(map[string]any{"cells": patch})
			},
		}).RunWrite(a.conn, runOpts(ctx))
	return err
}

// DeleteRow deletes the row document.
func (a *adapter) DeleteRow(ctx context.Context, table, rowID string) error {
	return rdb.DB(a.dbName).Table(tblCells).Get(docId(table, rowID)).Delete().Exec(a.conn, execOpts(ctx))
}

// DeleteCell removes a single cell from the row document.
func (a *adapter) DeleteCell(ctx context.Context, table, rowID, cell string) error {
	return rdb.DB(a.dbName).Table(tblCells).Get(docId(table, rowID)).
		Update(map[string]any{"cells": map[string]any{cell: rdb.Literal()}}).Exec(a.conn, execOpts(ctx))
}

// IncrementCell atomically adds delta to the cell. The update runs on the server as a
// single document write.
func (a *adapter) IncrementCell(ctx context.Context, table, rowID, cell string, delta int64) (int64, error) {
	if err := common.ValidateCellName(cell); err != nil {
		return 0, err
	}

	res, err := rdb.DB(a.dbName).Table(tblCells).Insert(
		map[string]any{"id": docId(table, rowID), "cells": map[string]any{cell: strconv.FormatInt(delta, 10)}},
		rdb.InsertOpts{
			Conflict: func(_, oldDoc, _ rdb.Term) any {
				return oldDoc.Merge(map[string]any{"cells": map[string]any{
					cell: oldDoc.Field("cells").Field(cell).Default("0").
						CoerceTo("number").Add(delta).CoerceTo("string"),
				}})
			},
			ReturnChanges: "always",
		}).RunWrite(a.conn, runOpts(ctx))
	if err != nil {
		if strings.Contains(err.Error(), "Cannot coerce") {
			return 0, common.ErrNotInteger
		}
		return 0, err
	}
	if res.Errors > 0 {
		if strings.Contains(res.FirstError, "Cannot coerce") {
			return 0, common.ErrNotInteger
		}
		return 0, errors.New(res.FirstError)
	}
	if len(res.Changes) == 0 {
		return 0, errors.New("rethinkdb: increment returned no changes")
	}

	newDoc, _ := res.Changes[0].NewValue.(map[string]any)
	cells, _ := newDoc["cells"].(map[string]any)
	val, _ := cells[cell].(string)
	n, ok := t.Value(val).Int64()
	if !ok || val == "" {
		return 0, common.ErrNotInteger
	}
	return n, nil
}

// Indices.

type indexDoc struct {
	Object string  `json:"obj"`
	Score  float64 `json:"score"`
}

func indexDocument(table, index, param, object string, score float64) map[string]any {
	return map[string]any{
		"id":    docId(table, index, param, object),
		"ns":    docId(table, index, param),
		"obj":   object,
		"score": score,
	}
}

// UpdateIndexValue sets the score of the object.
func (a *adapter) UpdateIndexValue(ctx context.Context, table, index, param, object string, score float64) error {
	return rdb.DB(a.dbName).Table(tblIndices).Insert(indexDocument(table, index, param, object, score),
		rdb.InsertOpts{Conflict: "replace"}).Exec(a.conn, execOpts(ctx))
}

// MaximizeIndexValue keeps the greater of the two scores.
func (a *adapter) MaximizeIndexValue(ctx context.Context, table, index, param, object string, score float64) error {
	return rdb.DB(a.dbName).Table(tblIndices).Insert(indexDocument(table, index, param, object, score),
		rdb.InsertOpts{
			Conflict: func(_, oldDoc, newDoc rdb.Term) any {
				return rdb.Branch(oldDoc.Field("score").Ge(newDoc.Field("score")), oldDoc, newDoc)
			},
		}).Exec(a.conn, execOpts(ctx))
}

func (a *adapter) namespace(table, index, param string) rdb.Term {
	ns := docId(table, index, param)
	return rdb.DB(a.dbName).Table(tblIndices).Between([]any{ns, rdb.MinVal}, []any{ns, rdb.MaxVal},
		rdb.BetweenOpts{Index: idxNsScore})
}

// UpdateStringIndexValue replaces the namespace with the single value.
func (a *adapter) UpdateStringIndexValue(ctx context.Context, table, index, param, value string) error {
	if err := a.namespace(table, index, param).Filter(rdb.Row.Field("obj").Ne(value)).
		Delete().Exec(a.conn, execOpts(ctx)); err != nil {
		return err
	}
	return a.UpdateIndexValue(ctx, table, index, param, value, 0)
}

// DeleteIndexValue removes the object from the namespace.
func (a *adapter) DeleteIndexValue(ctx context.Context, table, index, param, object string) error {
	return rdb.DB(a.dbName).Table(tblIndices).Get(docId(table, index, param, object)).
		Delete().Exec(a.conn, execOpts(ctx))
}

// ScanIndex returns the entries of the namespace in scan order.
func (a *adapter) ScanIndex(ctx context.Context, table, index, param string, rng *t.ScanRange) ([]t.IndexEntry, error) {
	ns := docId(table, index, param)
	var low, high any = rdb.MinVal, rdb.MaxVal
	opts := rdb.BetweenOpts{Index: idxNsScore, LeftBound: "closed", RightBound: "closed"}
	if rng != nil && rng.Low != nil {
		low = *rng.Low
		if rng.LowExclusive {
			opts.LeftBound = "open"
		}
	}
	if rng != nil && rng.High != nil {
		high = *rng.High
		if rng.HighExclusive {
			opts.RightBound = "open"
		}
	}

	q := rdb.DB(a.dbName).Table(tblIndices).Between([]any{ns, low}, []any{ns, high}, opts).
		OrderBy(rdb.Desc("score"), rdb.Asc("obj"))
	if limit := common.ScanLimit(rng, a.maxResults); limit > 0 {
		q = q.Limit(limit)
	}

	cursor, err := q.Run(a.conn, runOpts(ctx))
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var docs []indexDoc
	if err = cursor.All(&docs); err != nil {
		return nil, err
	}
	entries := make([]t.IndexEntry, len(docs))
	for i, doc := range docs {
		entries[i] = t.IndexEntry{Object: doc.Object, Score: doc.Score}
	}
	return entries, nil
}

// Queues.

// QueueAppend reserves a range of sequence numbers then inserts the items.
func (a *adapter) QueueAppend(ctx context.Context, table, key string, items [][]byte) error {
	if len(items) == 0 {
		return nil
	}

	q := docId(table, key)
	count := len(items)
	res, err := rdb.DB(a.dbName).Table(tblQueueSeq).Insert(
		map[string]any{"id": q, "next": count},
		rdb.InsertOpts{
			Conflict: func(_, oldDoc, _ rdb.Term) any {
				return oldDoc.Merge(map[string]any{"next": oldDoc.Field("next").Add(count)})
			},
			ReturnChanges: "always",
		}).RunWrite(a.conn, runOpts(ctx))
	if err != nil {
		return err
	}
	if len(res.Changes) == 0 {
		return errors.New("rethinkdb: queue sequence returned no changes")
	}
	newDoc, _ := res.Changes[0].NewValue.(map[string]any)
	next, _ := newDoc["next"].(float64)

	first := int64(next) - int64(count)
	docs := make([]any, count)
	for i, item := range items {
		docs[i] = map[string]any{"q": q, "seq": first + int64(i), "item": string(item)}
	}
	return rdb.DB(a.dbName).Table(tblQueues).Insert(docs).Exec(a.conn, execOpts(ctx))
}

func (a *adapter) head(table, key string) rdb.Term {
	q := docId(table, key)
	return rdb.DB(a.dbName).Table(tblQueues).
		Between([]any{q, rdb.MinVal}, []any{q, rdb.MaxVal}, rdb.BetweenOpts{Index: idxQueue}).
		OrderBy(rdb.OrderByOpts{Index: idxQueue})
}

// QueuePeek returns up to n items from the head.
func (a *adapter) QueuePeek(ctx context.Context, table, key string, n int) ([][]byte, error) {
	n = common.PeekLimit(n, a.maxResults)
	if n <= 0 {
		return [][]byte{}, nil
	}

	cursor, err := a.head(table, key).Limit(n).Field("item").Run(a.conn, runOpts(ctx))
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var vals []string
	if err = cursor.All(&vals); err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// QueueConsumeAndPeek deletes consumeN head items and peeks at the new head.
func (a *adapter) QueueConsumeAndPeek(ctx context.Context, table, key string, consumeN, peekN int) ([][]byte, error) {
	if consumeN > 0 {
		if err := a.head(table, key).Limit(consumeN).Delete().Exec(a.conn, execOpts(ctx)); err != nil {
			return nil, err
		}
	}
	return a.QueuePeek(ctx, table, key, peekN)
}

// GetTestAdapter returns an adapter object. Useful for running tests.
func GetTestAdapter() *adapter {
	return &adapter{}
}

func init() {
	store.RegisterAdapter(&adapter{})
}
