//go:build pebble
// +build pebble

// Package pebble is a GenDb adapter for the cockroachdb/pebble embedded key-value store.
//
// All data lives in one ordered keyspace:
//
//	v\x00version                                    database version
//	c\x00table\x00row\x00cell                       cell value
//	i\x00table\x00index\x00param\x00score obj       index entry, score encoded to sort descending
//	r\x00table\x00index\x00param\x00obj             current score of obj
//	q\x00table\x00key\x00seq                        queue item, big-endian sequence
//	t\x00table\x00key                               next queue sequence
package pebble

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/fnv"
	"os"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/deuxdrop/chat/server/db/common"
	"github.com/deuxdrop/chat/server/logs"
	"github.com/deuxdrop/chat/server/store"
	t "github.com/deuxdrop/chat/server/store/types"
)

const (
	adpVersion  = 100
	adapterName = "pebble"

	defaultPath       = "./data/gendb"
	defaultMaxResults = 1024

	// Number of lock stripes guarding read-modify-write operations.
	lockStripes = 256
)

const sep = "\x00"

type configType struct {
	// Directory of the database.
	Path string `json:"path,omitempty"`
	// Disable pebble's write-ahead log. Faster, loses recent writes on crash.
	DisableWAL bool `json:"disable_wal,omitempty"`
	// Do not fsync on every write.
	NoSync bool `json:"no_sync,omitempty"`
}

// adapter holds the pebble database handle.
type adapter struct {
	db         *pebble.DB
	path       string
	writeOpts  *pebble.WriteOptions
	maxResults int
	version    int

	stripes [lockStripes]sync.Mutex
}

// Open opens or creates the database directory.
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.db != nil {
		return errors.New("pebble adapter is already open")
	}

	var config configType
	if len(jsonconfig) > 0 {
		if err := json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("pebble adapter failed to parse config: " + err.Error())
		}
	}

	a.path = config.Path
	if a.path == "" {
		a.path = defaultPath
	}
	if err := os.MkdirAll(a.path, 0700); err != nil {
		return err
	}

	a.writeOpts = pebble.Sync
	if config.NoSync || config.DisableWAL {
		a.writeOpts = pebble.NoSync
	}
	if config.DisableWAL {
		logs.Warn.Println("pebble: write-ahead log disabled, recent writes may be lost on crash")
	}

	if a.maxResults <= 0 {
		a.maxResults = defaultMaxResults
	}

	db, err := pebble.Open(a.path, &pebble.Options{DisableWAL: config.DisableWAL})
	if err != nil {
		return err
	}
	a.db = db
	a.version = -1
	return nil
}

// Close closes the database.
func (a *adapter) Close() error {
	var err error
	if a.db != nil {
		err = a.db.Close()
		a.db = nil
		a.version = -1
	}
	return err
}

// IsOpen returns true if the database has been opened.
func (a *adapter) IsOpen() bool {
	return a.db != nil
}

var versionKey = []byte("v" + sep + "version")

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	if a.version > 0 {
		return a.version, nil
	}

	val, err := a.get(versionKey)
	if err != nil {
		return -1, err
	}
	if val == nil {
		return -1, errors.New("Database not initialized")
	}
	a.version, err = strconv.Atoi(string(val))
	if err != nil {
		return -1, err
	}
	return a.version, nil
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

// GetName returns string that adapter uses to register itself with store.
func (a *adapter) GetName() string {
	return adapterName
}

// SetMaxResults configures how many results can be returned in a single call.
func (a *adapter) SetMaxResults(val int) error {
	if val <= 0 {
		a.maxResults = defaultMaxResults
	} else {
		a.maxResults = val
	}
	return nil
}

// CreateDb writes the version marker, optionally wiping all existing data first.
func (a *adapter) CreateDb(reset bool) error {
	if reset {
		if err := a.db.DeleteRange([]byte{}, []byte{0xff}, a.writeOpts); err != nil {
			return err
		}
	} else if _, err := a.GetDbVersion(); err == nil {
		return errors.New("Database already initialized")
	}

	a.version = -1
	return a.db.Set(versionKey, []byte(strconv.Itoa(adpVersion)), pebble.Sync)
}

// UpgradeDb upgrades the database, if necessary.
func (a *adapter) UpgradeDb() error {
	if _, err := a.GetDbVersion(); err != nil {
		return err
	}
	if a.version == adpVersion {
		return nil
	}
	return errors.New("Failed to perform database upgrade to version " + strconv.Itoa(adpVersion) +
		". DB is still at " + strconv.Itoa(a.version))
}

// Version returns adapter version.
func (adapter) Version() int {
	return adpVersion
}

// Stats returns pebble metrics.
func (a *adapter) Stats() any {
	if a.db == nil {
		return nil
	}
	return a.db.Metrics()
}

// GetTestDB returns the *pebble.DB.
func (a *adapter) GetTestDB() any {
	return a.db
}

// Keys.

func cellPrefix(table, rowID string) []byte {
	return []byte("c" + sep + table + sep + rowID + sep)
}

func cellKey(table, rowID, cell string) []byte {
	return append(cellPrefix(table, rowID), cell...)
}

func indexPrefix(table, index, param string) []byte {
	return []byte("i" + sep + table + sep + index + sep + param + sep)
}

func indexEntryKey(table, index, param, object string, score float64) []byte {
	key := indexPrefix(table, index, param)
	key = append(key, common.EncodeScore(score)...)
	return append(key, object...)
}

func reversePrefix(table, index, param string) []byte {
	return []byte("r" + sep + table + sep + index + sep + param + sep)
}

func reverseKey(table, index, param, object string) []byte {
	return append(reversePrefix(table, index, param), object...)
}

func queuePrefix(table, key string) []byte {
	return []byte("q" + sep + table + sep + key + sep)
}

func queueItemKey(table, key string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(queuePrefix(table, key), seq)
}

func queueTailKey(table, key string) []byte {
	return []byte("t" + sep + table + sep + key)
}

// prefixEnd returns the smallest key greater than every key with the given prefix.
// All prefixes end with the separator so incrementing the last byte is safe.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	end[len(end)-1]++
	return end
}

func (a *adapter) lock(parts ...string) *sync.Mutex {
	h := fnv.New32a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte(sep))
	}
	return &a.stripes[h.Sum32()%lockStripes]
}

func (a *adapter) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.db == nil {
		return errors.New("pebble adapter is not open")
	}
	return nil
}

// get returns a copy of the value or nil if the key is missing.
func (a *adapter) get(key []byte) ([]byte, error) {
	val, closer, err := a.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte{}, val...), nil
}

// Cells.

// GetRow iterates over all cells of the row.
func (a *adapter) GetRow(ctx context.Context, table, rowID string) (t.Row, error) {
	if err := a.checkOpen(ctx); err != nil {
		return nil, err
	}

	prefix := cellPrefix(table, rowID)
	iter, err := a.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	row := t.Row{}
	for iter.First(); iter.Valid(); iter.Next() {
		cell := string(iter.Key()[len(prefix):])
		row[cell] = append(t.Value{}, iter.Value()...)
	}
	return row, iter.Error()
}

// GetCell reads a single cell.
func (a *adapter) GetCell(ctx context.Context, table, rowID, cell string) (t.Value, error) {
	if err := a.checkOpen(ctx); err != nil {
		return nil, err
	}
	val, err := a.get(cellKey(table, rowID, cell))
	if err != nil || val == nil {
		return t.Absent, err
	}
	return t.Value(val), nil
}

// PutCells writes the cells in a single batch.
func (a *adapter) PutCells(ctx context.Context, table, rowID string, cells t.Row) error {
	if err := a.checkOpen(ctx); err != nil {
		return err
	}
	if err := common.ValidateCells(cells); err != nil {
		return err
	}

	// Serialize with concurrent increments of the same row.
	mu := a.lock("c", table, rowID)
	mu.Lock()
	defer mu.Unlock()

	batch := a.db.NewBatch()
	defer batch.Close()
	for cell, val := range cells {
		key := cellKey(table, rowID, cell)
		var err error
		if val.IsAbsent() {
			err = batch.Delete(key, nil)
		} else {
			err = batch.Set(key, val, nil)
		}
		if err != nil {
			return err
		}
	}
	return batch.Commit(a.writeOpts)
}

// DeleteRow deletes the key range of the row.
func (a *adapter) DeleteRow(ctx context.Context, table, rowID string) error {
	if err := a.checkOpen(ctx); err != nil {
		return err
	}
	mu := a.lock("c", table, rowID)
	mu.Lock()
	defer mu.Unlock()

	prefix := cellPrefix(table, rowID)
	return a.db.DeleteRange(prefix, prefixEnd(prefix), a.writeOpts)
}

// DeleteCell deletes a single cell.
func (a *adapter) DeleteCell(ctx context.Context, table, rowID, cell string) error {
	if err := a.checkOpen(ctx); err != nil {
		return err
	}
	mu := a.lock("c", table, rowID)
	mu.Lock()
	defer mu.Unlock()

	return a.db.Delete(cellKey(table, rowID, cell), a.writeOpts)
}

// IncrementCell reads, increments and writes the cell under the row's lock stripe.
func (a *adapter) IncrementCell(ctx context.Context, table, rowID, cell string, delta int64) (int64, error) {
	if err := a.checkOpen(ctx); err != nil {
		return 0, err
	}
	if err := common.ValidateCellName(cell); err != nil {
		return 0, err
	}

	mu := a.lock("c", table, rowID)
	mu.Lock()
	defer mu.Unlock()

	key := cellKey(table, rowID, cell)
	raw, err := a.get(key)
	if err != nil {
		return 0, err
	}
	var val t.Value
	if raw != nil {
		val = t.Value(raw)
	}
	n, ok := val.Int64()
	if !ok {
		return 0, common.ErrNotInteger
	}
	n += delta
	if err := a.db.Set(key, t.IntValue(n), a.writeOpts); err != nil {
		return 0, err
	}
	return n, nil
}

// Indices.

// setIndexValue must be called with the namespace stripe locked.
func (a *adapter) setIndexValue(table, index, param, object string, score float64, maximize bool) error {
	rkey := reverseKey(table, index, param, object)
	old, err := a.get(rkey)
	if err != nil {
		return err
	}

	batch := a.db.NewBatch()
	defer batch.Close()
	if old != nil {
		oldScore := common.DecodeScore(old)
		if maximize && oldScore >= score {
			return nil
		}
		if err := batch.Delete(indexEntryKey(table, index, param, object, oldScore), nil); err != nil {
			return err
		}
	}
	if err := batch.Set(indexEntryKey(table, index, param, object, score), nil, nil); err != nil {
		return err
	}
	if err := batch.Set(rkey, common.EncodeScore(score), nil); err != nil {
		return err
	}
	return batch.Commit(a.writeOpts)
}

// UpdateIndexValue sets the score of the object.
func (a *adapter) UpdateIndexValue(ctx context.Context, table, index, param, object string, score float64) error {
	if err := a.checkOpen(ctx); err != nil {
		return err
	}
	mu := a.lock("i", table, index, param)
	mu.Lock()
	defer mu.Unlock()
	return a.setIndexValue(table, index, param, object, score, false)
}

// MaximizeIndexValue raises the score of the object.
func (a *adapter) MaximizeIndexValue(ctx context.Context, table, index, param, object string, score float64) error {
	if err := a.checkOpen(ctx); err != nil {
		return err
	}
	mu := a.lock("i", table, index, param)
	mu.Lock()
	defer mu.Unlock()
	return a.setIndexValue(table, index, param, object, score, true)
}

// UpdateStringIndexValue replaces all entries of the namespace with the value.
func (a *adapter) UpdateStringIndexValue(ctx context.Context, table, index, param, value string) error {
	if err := a.checkOpen(ctx); err != nil {
		return err
	}
	mu := a.lock("i", table, index, param)
	mu.Lock()
	defer mu.Unlock()

	batch := a.db.NewBatch()
	defer batch.Close()
	ipfx, rpfx := indexPrefix(table, index, param), reversePrefix(table, index, param)
	if err := batch.DeleteRange(ipfx, prefixEnd(ipfx), nil); err != nil {
		return err
	}
	if err := batch.DeleteRange(rpfx, prefixEnd(rpfx), nil); err != nil {
		return err
	}
	if err := batch.Set(indexEntryKey(table, index, param, value, 0), nil, nil); err != nil {
		return err
	}
	if err := batch.Set(reverseKey(table, index, param, value), common.EncodeScore(0), nil); err != nil {
		return err
	}
	return batch.Commit(a.writeOpts)
}

// DeleteIndexValue removes the object from the namespace.
func (a *adapter) DeleteIndexValue(ctx context.Context, table, index, param, object string) error {
	if err := a.checkOpen(ctx); err != nil {
		return err
	}
	mu := a.lock("i", table, index, param)
	mu.Lock()
	defer mu.Unlock()

	rkey := reverseKey(table, index, param, object)
	old, err := a.get(rkey)
	if err != nil || old == nil {
		return err
	}
	batch := a.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(indexEntryKey(table, index, param, object, common.DecodeScore(old)), nil); err != nil {
		return err
	}
	if err := batch.Delete(rkey, nil); err != nil {
		return err
	}
	return batch.Commit(a.writeOpts)
}

// ScanIndex iterates the namespace forward which yields descending scores.
func (a *adapter) ScanIndex(ctx context.Context, table, index, param string, rng *t.ScanRange) ([]t.IndexEntry, error) {
	if err := a.checkOpen(ctx); err != nil {
		return nil, err
	}

	prefix := indexPrefix(table, index, param)
	lower := prefix
	if rng != nil && rng.High != nil {
		// Start at the upper score bound.
		lower = append(append([]byte{}, prefix...), common.EncodeScore(*rng.High)...)
	}
	iter, err := a.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	limit := common.ScanLimit(rng, a.maxResults)
	low := rng.LowBound()
	var out []t.IndexEntry
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()[len(prefix):]
		if len(key) < 8 {
			continue
		}
		score := common.DecodeScore(key[:8])
		if score < low {
			break
		}
		if !rng.Contains(score) {
			continue
		}
		out = append(out, t.IndexEntry{Object: string(key[8:]), Score: score})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if out == nil {
		out = []t.IndexEntry{}
	}
	return out, iter.Error()
}

// Queues.

// QueueAppend writes the items after the current tail.
func (a *adapter) QueueAppend(ctx context.Context, table, key string, items [][]byte) error {
	if err := a.checkOpen(ctx); err != nil {
		return err
	}
	mu := a.lock("q", table, key)
	mu.Lock()
	defer mu.Unlock()

	tailKey := queueTailKey(table, key)
	raw, err := a.get(tailKey)
	if err != nil {
		return err
	}
	var tail uint64
	if len(raw) == 8 {
		tail = binary.BigEndian.Uint64(raw)
	}

	batch := a.db.NewBatch()
	defer batch.Close()
	for _, item := range items {
		if err := batch.Set(queueItemKey(table, key, tail), item, nil); err != nil {
			return err
		}
		tail++
	}
	if err := batch.Set(tailKey, binary.BigEndian.AppendUint64(nil, tail), nil); err != nil {
		return err
	}
	return batch.Commit(a.writeOpts)
}

// headKeys returns up to n keys and values from the head of the queue.
func (a *adapter) headKeys(table, key string, n int) (keys, vals [][]byte, err error) {
	if n <= 0 {
		return nil, nil, nil
	}
	prefix := queuePrefix(table, key)
	iter, err := a.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, nil, err
	}
	defer iter.Close()
	for iter.First(); iter.Valid() && len(keys) < n; iter.Next() {
		keys = append(keys, append([]byte{}, iter.Key()...))
		vals = append(vals, append([]byte{}, iter.Value()...))
	}
	return keys, vals, iter.Error()
}

// QueuePeek returns up to n items from the head.
func (a *adapter) QueuePeek(ctx context.Context, table, key string, n int) ([][]byte, error) {
	if err := a.checkOpen(ctx); err != nil {
		return nil, err
	}
	_, vals, err := a.headKeys(table, key, common.PeekLimit(n, a.maxResults))
	if vals == nil {
		vals = [][]byte{}
	}
	return vals, err
}

// QueueConsumeAndPeek deletes consumeN items from the head and peeks at the rest.
func (a *adapter) QueueConsumeAndPeek(ctx context.Context, table, key string, consumeN, peekN int) ([][]byte, error) {
	if err := a.checkOpen(ctx); err != nil {
		return nil, err
	}
	mu := a.lock("q", table, key)
	mu.Lock()
	defer mu.Unlock()

	keys, _, err := a.headKeys(table, key, consumeN)
	if err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		last := keys[len(keys)-1]
		end := append(append([]byte{}, last...), 0)
		if err := a.db.DeleteRange(keys[0], end, a.writeOpts); err != nil {
			return nil, err
		}
	}

	_, vals, err := a.headKeys(table, key, common.PeekLimit(peekN, a.maxResults))
	if vals == nil {
		vals = [][]byte{}
	}
	return vals, err
}

// GetTestAdapter returns an adapter object. Useful for running tests.
func GetTestAdapter() *adapter {
	return &adapter{}
}

func init() {
	store.RegisterAdapter(&adapter{})
}
