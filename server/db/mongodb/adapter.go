//go:build mongodb
// +build mongodb

// Package mongodb is a GenDb adapter for MongoDB.
//
// A row is a single document so that writes to one row are atomic without transactions.
// Cell names are escaped because MongoDB treats '.' and '$' in field names specially.
package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/deuxdrop/chat/server/db/common"
	"github.com/deuxdrop/chat/server/logs"
	"github.com/deuxdrop/chat/server/store"
	t "github.com/deuxdrop/chat/server/store/types"
	b "go.mongodb.org/mongo-driver/bson"
	mdb "go.mongodb.org/mongo-driver/mongo"
	mdbopts "go.mongodb.org/mongo-driver/mongo/options"
)

// adapter holds MongoDB connection data.
type adapter struct {
	conn       *mdb.Client
	db         *mdb.Database
	dbName     string
	maxResults int
	version    int
	ctx        context.Context
}

const (
	defaultHost     = "localhost:27017"
	defaultDatabase = "gendb"

	adpVersion  = 100
	adapterName = "mongodb"

	defaultMaxResults = 1024

	// How many times a compare-and-swap increment is retried before giving up.
	maxCASAttempts = 32

	collCells    = "cells"
	collIndices  = "indices"
	collQueues   = "queues"
	collQueueSeq = "queueseq"
	collKvmeta   = "kvmeta"
)

// See https://godoc.org/go.mongodb.org/mongo-driver/mongo/options#ClientOptions for explanations.
type configType struct {
	Addresses      any `json:"addresses,omitempty"`
	ConnectTimeout int `json:"timeout,omitempty"`

	// Options separately from ClientOptions (custom options):
	Database   string `json:"database,omitempty"`
	ReplicaSet string `json:"replica_set,omitempty"`

	AuthSource string `json:"auth_source,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
}

// rowDoc is the document of a single row.
type rowDoc struct {
	Id    string            `bson:"_id"`
	Cells map[string][]byte `bson:"cells"`
}

// indexDoc is a single index entry.
type indexDoc struct {
	Object string  `bson:"obj"`
	Score  float64 `bson:"score"`
}

// queueDoc is a single queue item.
type queueDoc struct {
	Id   any    `bson:"_id,omitempty"`
	Tbl  string `bson:"tbl"`
	Key  string `bson:"qkey"`
	Seq  int64  `bson:"seq"`
	Item []byte `bson:"item"`
}

// Open initializes mongodb session
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.conn != nil {
		return errors.New("adapter mongodb is already connected")
	}

	var err error
	var config configType
	if len(jsonconfig) > 0 {
		if err = json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("adapter mongodb failed to parse config: " + err.Error())
		}
	}

	var opts mdbopts.ClientOptions

	if config.Addresses == nil {
		opts.SetHosts([]string{defaultHost})
	} else if host, ok := config.Addresses.(string); ok {
		opts.SetHosts([]string{host})
	} else if hosts, ok := config.Addresses.([]any); ok {
		var list []string
		for _, h := range hosts {
			if s, ok := h.(string); ok {
				list = append(list, s)
			}
		}
		opts.SetHosts(list)
	} else {
		return errors.New("adapter mongodb failed to parse config.Addresses")
	}

	if config.Database == "" {
		a.dbName = defaultDatabase
	} else {
		a.dbName = config.Database
	}

	if config.ReplicaSet != "" {
		opts.SetReplicaSet(config.ReplicaSet)
	}

	if config.Username != "" {
		var passwordSet bool
		if config.AuthSource == "" {
			config.AuthSource = "admin"
		}
		if config.Password != "" {
			passwordSet = true
		}
		opts.SetAuth(
			mdbopts.Credential{
				AuthMechanism: "SCRAM-SHA-256",
				AuthSource:    config.AuthSource,
				Username:      config.Username,
				Password:      config.Password,
				PasswordSet:   passwordSet,
			})
	}

	if a.maxResults <= 0 {
		a.maxResults = defaultMaxResults
	}

	a.ctx = context.Background()
	a.conn, err = mdb.Connect(a.ctx, &opts)
	if err != nil {
		return err
	}
	a.db = a.conn.Database(a.dbName)
	a.version = -1

	return nil
}

// Close the adapter
func (a *adapter) Close() error {
	var err error
	if a.conn != nil {
		err = a.conn.Disconnect(a.ctx)
		a.conn = nil
		a.version = -1
	}
	return err
}

// IsOpen checks if the adapter is ready for use
func (a *adapter) IsOpen() bool {
	return a.conn != nil
}

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	if a.version > 0 {
		return a.version, nil
	}

	var result struct {
		Key   string `bson:"_id"`
		Value int
	}
	if err := a.db.Collection(collKvmeta).FindOne(a.ctx, b.M{"_id": "version"}).Decode(&result); err != nil {
		if err == mdb.ErrNoDocuments {
			err = errors.New("Database not initialized")
		}
		return -1, err
	}

	a.version = result.Value
	return result.Value, nil
}

// CheckDbVersion checks if the actual database version matches adapter version.
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

// Version returns adapter version
func (a *adapter) Version() int {
	return adpVersion
}

// GetName returns the name of the adapter
func (a *adapter) GetName() string {
	return adapterName
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

// Stats returns DB connection stats object.
func (a *adapter) Stats() any {
	if a.db == nil {
		return nil
	}

	var result b.M
	if err := a.db.RunCommand(a.ctx, b.D{{Key: "serverStatus", Value: 1}}).Decode(&result); err != nil {
		return nil
	}

	return result["connections"]
}

// GetTestDB returns the *mongo.Database. Use in tests only.
func (a *adapter) GetTestDB() any {
	return a.db
}

func (a *adapter) isDbInitialized() bool {
	var result map[string]int

	findOpts := mdbopts.FindOneOptions{Projection: b.M{"value": 1, "_id": 0}}
	if err := a.db.Collection(collKvmeta).FindOne(a.ctx, b.M{"_id": "version"}, &findOpts).Decode(&result); err != nil {
		return false
	}
	return true
}

// CreateDb creates the database optionally dropping an existing database first.
func (a *adapter) CreateDb(reset bool) error {
	if reset {
		logs.Info.Print("Dropping database...")
		if err := a.db.Drop(a.ctx); err != nil {
			return err
		}
	} else if a.isDbInitialized() {
		return errors.New("Database already initialized")
	}
	// Collections (tables) do not need to be explicitly created since MongoDB creates them with first write operation

	indexes := []struct {
		Collection string
		IndexOpts  mdb.IndexModel
	}{
		// Index entries are scanned by namespace in descending score order.
		{
			Collection: collIndices,
			IndexOpts: mdb.IndexModel{Keys: b.D{
				{Key: "tbl", Value: 1}, {Key: "idx", Value: 1}, {Key: "param", Value: 1},
				{Key: "score", Value: -1}, {Key: "obj", Value: 1},
			}},
		},
		// Queue items are read from the head.
		{
			Collection: collQueues,
			IndexOpts: mdb.IndexModel{Keys: b.D{
				{Key: "tbl", Value: 1}, {Key: "qkey", Value: 1}, {Key: "seq", Value: 1},
			}},
		},
	}

	for _, idx := range indexes {
		if _, err := a.db.Collection(idx.Collection).Indexes().CreateOne(a.ctx, idx.IndexOpts); err != nil {
			return err
		}
	}

	// Collection "kvmeta" with metadata key-value pairs.
	// Key in "_id" field.
	// Record current DB version.
	if _, err := a.db.Collection(collKvmeta).InsertOne(a.ctx, b.M{"_id": "version", "value": adpVersion}); err != nil {
		return err
	}
	a.version = -1
	return nil
}

// UpgradeDb upgrades database to the current adapter version.
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

// Keys and names.

var fieldEscaper = strings.NewReplacer("%", "%25", ".", "%2E", "$", "%24")
var fieldUnescaper = strings.NewReplacer("%25", "%", "%2E", ".", "%24", "$")

func cellField(cell string) string {
	return "cells." + fieldEscaper.Replace(cell)
}

func rowId(table, rowID string) string {
	return table + "\x00" + rowID
}

func indexId(table, index, param, object string) string {
	return table + "\x00" + index + "\x00" + param + "\x00" + object
}

// Cells.

// GetRow returns all cells of the row.
func (a *adapter) GetRow(ctx context.Context, table, rowID string) (t.Row, error) {
	var doc rowDoc
	err := a.db.Collection(collCells).FindOne(ctx, b.M{"_id": rowId(table, rowID)}).Decode(&doc)
	if err == mdb.ErrNoDocuments {
		return t.Row{}, nil
	}
	if err != nil {
		return nil, err
	}

	row := make(t.Row, len(doc.Cells))
	for name, val := range doc.Cells {
		row[fieldUnescaper.Replace(name)] = t.Value(val)
	}
	return row, nil
}

// GetCell returns a single cell.
func (a *adapter) GetCell(ctx context.Context, table, rowID, cell string) (t.Value, error) {
	field := cellField(cell)
	findOpts := mdbopts.FindOne().SetProjection(b.M{field: 1})

	var doc rowDoc
	err := a.db.Collection(collCells).FindOne(ctx, b.M{"_id": rowId(table, rowID)}, findOpts).Decode(&doc)
	if err == mdb.ErrNoDocuments {
		return t.Absent, nil
	}
	if err != nil {
		return nil, err
	}
	val, ok := doc.Cells[fieldEscaper.Replace(cell)]
	if !ok {
		return t.Absent, nil
	}
	return t.Value(val), nil
}

// PutCells writes all cells with a single document update.
func (a *adapter) PutCells(ctx context.Context, table, rowID string, cells t.Row) error {
	if err := common.ValidateCells(cells); err != nil {
		return err
	}
	if len(cells) == 0 {
		return nil
	}

	set, unset := b.M{}, b.M{}
	for cell, val := range cells {
		if val.IsAbsent() {
			unset[cellField(cell)] = ""
		} else {
			set[cellField(cell)] = []byte(val)
		}
	}
	update := b.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	_, err := a.db.Collection(collCells).UpdateOne(ctx, b.M{"_id": rowId(table, rowID)}, update,
		mdbopts.Update().SetUpsert(len(set) > 0))
	return err
}

// DeleteRow deletes the row document.
func (a *adapter) DeleteRow(ctx context.Context, table, rowID string) error {
	_, err := a.db.Collection(collCells).DeleteOne(ctx, b.M{"_id": rowId(table, rowID)})
	return err
}

// DeleteCell unsets a single cell.
func (a *adapter) DeleteCell(ctx context.Context, table, rowID, cell string) error {
	_, err := a.db.Collection(collCells).UpdateOne(ctx, b.M{"_id": rowId(table, rowID)},
		b.M{"$unset": b.M{cellField(cell): ""}})
	return err
}

// IncrementCell replaces the cell value only if it did not change since it was read.
// Cell values are opaque JSON bytes so the server-side $inc cannot be used.
func (a *adapter) IncrementCell(ctx context.Context, table, rowID, cell string, delta int64) (int64, error) {
	if err := common.ValidateCellName(cell); err != nil {
		return 0, err
	}

	id := rowId(table, rowID)
	field := cellField(cell)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := a.GetCell(ctx, table, rowID, cell)
		if err != nil {
			return 0, err
		}
		n, ok := cur.Int64()
		if !ok {
			return 0, common.ErrNotInteger
		}
		n += delta

		filter := b.M{"_id": id}
		if cur.IsAbsent() {
			filter[field] = b.M{"$exists": false}
		} else {
			filter[field] = []byte(cur)
		}
		res, err := a.db.Collection(collCells).UpdateOne(ctx, filter,
			b.M{"$set": b.M{field: []byte(t.IntValue(n))}},
			mdbopts.Update().SetUpsert(cur.IsAbsent()))
		if isDuplicateErr(err) {
			// The row was created concurrently.
			continue
		}
		if err != nil {
			return 0, err
		}
		if res.MatchedCount > 0 || res.UpsertedCount > 0 {
			return n, nil
		}
	}
	return 0, t.Errorf(t.ErrApparentRaceMaybeLater, "too much contention on %s/%s/%s", table, rowID, cell)
}

// Indices.

// UpdateIndexValue sets the score of the object.
func (a *adapter) UpdateIndexValue(ctx context.Context, table, index, param, object string, score float64) error {
	_, err := a.db.Collection(collIndices).UpdateOne(ctx,
		b.M{"_id": indexId(table, index, param, object)},
		b.M{
			"$set":         b.M{"score": score},
			"$setOnInsert": b.M{"tbl": table, "idx": index, "param": param, "obj": object},
		},
		mdbopts.Update().SetUpsert(true))
	return err
}

// MaximizeIndexValue raises the score of the object using the $max operator.
func (a *adapter) MaximizeIndexValue(ctx context.Context, table, index, param, object string, score float64) error {
	_, err := a.db.Collection(collIndices).UpdateOne(ctx,
		b.M{"_id": indexId(table, index, param, object)},
		b.M{
			"$max":         b.M{"score": score},
			"$setOnInsert": b.M{"tbl": table, "idx": index, "param": param, "obj": object},
		},
		mdbopts.Update().SetUpsert(true))
	return err
}

// UpdateStringIndexValue replaces the namespace with the single value.
func (a *adapter) UpdateStringIndexValue(ctx context.Context, table, index, param, value string) error {
	if _, err := a.db.Collection(collIndices).DeleteMany(ctx, b.M{
		"tbl": table, "idx": index, "param": param,
		"_id": b.M{"$ne": indexId(table, index, param, value)},
	}); err != nil {
		return err
	}
	return a.UpdateIndexValue(ctx, table, index, param, value, 0)
}

// DeleteIndexValue removes the object from the namespace.
func (a *adapter) DeleteIndexValue(ctx context.Context, table, index, param, object string) error {
	_, err := a.db.Collection(collIndices).DeleteOne(ctx, b.M{"_id": indexId(table, index, param, object)})
	return err
}

// ScanIndex returns the entries of the namespace in scan order.
func (a *adapter) ScanIndex(ctx context.Context, table, index, param string, rng *t.ScanRange) ([]t.IndexEntry, error) {
	filter := b.M{"tbl": table, "idx": index, "param": param}
	score := b.M{}
	if rng != nil && rng.Low != nil {
		if rng.LowExclusive {
			score["$gt"] = *rng.Low
		} else {
			score["$gte"] = *rng.Low
		}
	}
	if rng != nil && rng.High != nil {
		if rng.HighExclusive {
			score["$lt"] = *rng.High
		} else {
			score["$lte"] = *rng.High
		}
	}
	if len(score) > 0 {
		filter["score"] = score
	}

	findOpts := mdbopts.Find().SetSort(b.D{{Key: "score", Value: -1}, {Key: "obj", Value: 1}})
	if limit := common.ScanLimit(rng, a.maxResults); limit > 0 {
		findOpts.SetLimit(int64(limit))
	}

	cur, err := a.db.Collection(collIndices).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	entries := []t.IndexEntry{}
	for cur.Next(ctx) {
		var doc indexDoc
		if err = cur.Decode(&doc); err != nil {
			return nil, err
		}
		entries = append(entries, t.IndexEntry{Object: doc.Object, Score: doc.Score})
	}
	return entries, cur.Err()
}

// Queues.

// QueueAppend reserves a range of sequence numbers and inserts the items.
func (a *adapter) QueueAppend(ctx context.Context, table, key string, items [][]byte) error {
	if len(items) == 0 {
		return nil
	}

	var seq struct {
		Next int64 `bson:"next"`
	}
	err := a.db.Collection(collQueueSeq).FindOneAndUpdate(ctx,
		b.M{"_id": rowId(table, key)},
		b.M{"$inc": b.M{"next": int64(len(items))}},
		mdbopts.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(mdbopts.After)).Decode(&seq)
	if err != nil {
		return err
	}

	first := seq.Next - int64(len(items))
	docs := make([]any, len(items))
	for i, item := range items {
		docs[i] = queueDoc{Tbl: table, Key: key, Seq: first + int64(i), Item: item}
	}
	_, err = a.db.Collection(collQueues).InsertMany(ctx, docs, mdbopts.InsertMany().SetOrdered(true))
	return err
}

func (a *adapter) head(ctx context.Context, table, key string, n int) ([]queueDoc, error) {
	if n <= 0 {
		return nil, nil
	}
	findOpts := mdbopts.Find().SetSort(b.D{{Key: "seq", Value: 1}}).SetLimit(int64(n))
	cur, err := a.db.Collection(collQueues).Find(ctx, b.M{"tbl": table, "qkey": key}, findOpts)
	if err != nil {
		return nil, err
	}
	var docs []queueDoc
	if err = cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func items(docs []queueDoc) [][]byte {
	out := make([][]byte, len(docs))
	for i, doc := range docs {
		out[i] = doc.Item
	}
	return out
}

// QueuePeek returns up to n items from the head.
func (a *adapter) QueuePeek(ctx context.Context, table, key string, n int) ([][]byte, error) {
	docs, err := a.head(ctx, table, key, common.PeekLimit(n, a.maxResults))
	if err != nil {
		return nil, err
	}
	return items(docs), nil
}

// QueueConsumeAndPeek deletes consumeN head items and peeks at the new head.
func (a *adapter) QueueConsumeAndPeek(ctx context.Context, table, key string, consumeN, peekN int) ([][]byte, error) {
	consumed, err := a.head(ctx, table, key, consumeN)
	if err != nil {
		return nil, err
	}
	if len(consumed) > 0 {
		ids := make(b.A, len(consumed))
		for i, doc := range consumed {
			ids[i] = doc.Id
		}
		if _, err = a.db.Collection(collQueues).DeleteMany(ctx, b.M{"_id": b.M{"$in": ids}}); err != nil {
			return nil, err
		}
	}
	return a.QueuePeek(ctx, table, key, peekN)
}

func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}
	if mdb.IsDuplicateKeyError(err) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "duplicate key error")
}

// GetTestAdapter returns an adapter object. Useful for running tests.
func GetTestAdapter() *adapter {
	return &adapter{}
}

func init() {
	store.RegisterAdapter(&adapter{})
}
