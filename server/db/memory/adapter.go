// Package memory is an in-memory GenDb adapter. Data does not survive a restart.
// Used by default when no persistent backend is configured and by the tests.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"

	"github.com/deuxdrop/chat/server/db/common"
	"github.com/deuxdrop/chat/server/store"
	t "github.com/deuxdrop/chat/server/store/types"
)

const (
	adpVersion  = 100
	adapterName = "memory"

	defaultMaxResults = 1024
)

type configType struct {
	// Maximum number of items returned by a single scan or peek.
	MaxResults int `json:"max_results,omitempty"`
}

type rowKey struct {
	table, row string
}

type indexKey struct {
	table, index, param string
}

type queueKey struct {
	table, key string
}

// adapter holds the in-memory data. One mutex guards everything: operations are
// short and never block on I/O.
type adapter struct {
	mu sync.Mutex

	open       bool
	version    int
	maxResults int

	rows    map[rowKey]t.Row
	indices map[indexKey]map[string]float64
	queues  map[queueKey][][]byte
}

// NewAdapter creates an unregistered adapter. Use in tests to get an isolated instance.
func NewAdapter() *adapter {
	a := &adapter{maxResults: defaultMaxResults}
	a.reset()
	return a
}

func (a *adapter) reset() {
	a.rows = make(map[rowKey]t.Row)
	a.indices = make(map[indexKey]map[string]float64)
	a.queues = make(map[queueKey][][]byte)
}

// Open initializes the adapter. The config is optional.
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.open {
		return errors.New("memory adapter is already open")
	}

	var config configType
	if len(jsonconfig) > 0 {
		if err := json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("memory adapter failed to parse config: " + err.Error())
		}
	}
	if config.MaxResults > 0 {
		a.maxResults = config.MaxResults
	}
	if a.maxResults <= 0 {
		a.maxResults = defaultMaxResults
	}
	if a.rows == nil {
		a.reset()
	}
	// There is nothing to initialize or upgrade.
	a.version = adpVersion
	a.open = true
	return nil
}

// Close marks the adapter as closed. The data is kept until the process exits.
func (a *adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open = false
	return nil
}

// IsOpen returns true if the adapter is ready for use.
func (a *adapter) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return -1, errors.New("memory adapter is not open")
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
	a.mu.Lock()
	defer a.mu.Unlock()
	if val <= 0 {
		a.maxResults = defaultMaxResults
	} else {
		a.maxResults = val
	}
	return nil
}

// CreateDb drops all data if reset is true.
func (a *adapter) CreateDb(reset bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if reset {
		a.reset()
	}
	a.version = adpVersion
	return nil
}

// UpgradeDb is a noop.
func (a *adapter) UpgradeDb() error {
	return nil
}

// Version returns adapter version.
func (*adapter) Version() int {
	return adpVersion
}

// Stats returns the number of stored objects.
func (a *adapter) Stats() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]int{
		"rows":    len(a.rows),
		"indices": len(a.indices),
		"queues":  len(a.queues),
	}
}

// GetTestDB returns the adapter itself.
func (a *adapter) GetTestDB() any {
	return a
}

func (a *adapter) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !a.open {
		return errors.New("memory adapter is not open")
	}
	return nil
}

func copyValue(v t.Value) t.Value {
	if v == nil {
		return nil
	}
	return append(t.Value{}, v...)
}

// GetRow returns a copy of all cells of the row.
func (a *adapter) GetRow(ctx context.Context, table, rowID string) (t.Row, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOpen(ctx); err != nil {
		return nil, err
	}

	out := t.Row{}
	for k, v := range a.rows[rowKey{table, rowID}] {
		out[k] = copyValue(v)
	}
	return out, nil
}

// GetCell returns a copy of the cell value or t.Absent.
func (a *adapter) GetCell(ctx context.Context, table, rowID, cell string) (t.Value, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOpen(ctx); err != nil {
		return nil, err
	}
	return copyValue(a.rows[rowKey{table, rowID}].Get(cell)), nil
}

// PutCells writes all cells under the lock.
func (a *adapter) PutCells(ctx context.Context, table, rowID string, cells t.Row) error {
	if err := common.ValidateCells(cells); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOpen(ctx); err != nil {
		return err
	}

	key := rowKey{table, rowID}
	row := a.rows[key]
	if row == nil {
		row = t.Row{}
		a.rows[key] = row
	}
	for k, v := range cells {
		if v.IsAbsent() {
			delete(row, k)
			continue
		}
		row[k] = copyValue(v)
	}
	return nil
}

// DeleteRow removes the row.
func (a *adapter) DeleteRow(ctx context.Context, table, rowID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOpen(ctx); err != nil {
		return err
	}
	delete(a.rows, rowKey{table, rowID})
	return nil
}

// DeleteCell removes a single cell.
func (a *adapter) DeleteCell(ctx context.Context, table, rowID, cell string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOpen(ctx); err != nil {
		return err
	}
	key := rowKey{table, rowID}
	if row := a.rows[key]; row != nil {
		delete(row, cell)
		if len(row) == 0 {
			delete(a.rows, key)
		}
	}
	return nil
}

// IncrementCell adds delta to the integer cell.
func (a *adapter) IncrementCell(ctx context.Context, table, rowID, cell string, delta int64) (int64, error) {
	if err := common.ValidateCellName(cell); err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOpen(ctx); err != nil {
		return 0, err
	}

	key := rowKey{table, rowID}
	row := a.rows[key]
	if row == nil {
		row = t.Row{}
		a.rows[key] = row
	}
	val, ok := row.Get(cell).Int64()
	if !ok {
		return 0, common.ErrNotInteger
	}
	val += delta
	row[cell] = t.IntValue(val)
	return val, nil
}

func (a *adapter) namespace(table, index, param string, create bool) map[string]float64 {
	key := indexKey{table, index, param}
	ns := a.indices[key]
	if ns == nil && create {
		ns = make(map[string]float64)
		a.indices[key] = ns
	}
	return ns
}

// UpdateIndexValue sets the score of the object.
func (a *adapter) UpdateIndexValue(ctx context.Context, table, index, param, object string, score float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOpen(ctx); err != nil {
		return err
	}
	a.namespace(table, index, param, true)[object] = score
	return nil
}

// MaximizeIndexValue raises the score of the object.
func (a *adapter) MaximizeIndexValue(ctx context.Context, table, index, param, object string, score float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOpen(ctx); err != nil {
		return err
	}
	ns := a.namespace(table, index, param, true)
	if old, ok := ns[object]; !ok || score > old {
		ns[object] = score
	}
	return nil
}

// UpdateStringIndexValue replaces the namespace with the single value.
func (a *adapter) UpdateStringIndexValue(ctx context.Context, table, index, param, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOpen(ctx); err != nil {
		return err
	}
	a.indices[indexKey{table, index, param}] = map[string]float64{value: 0}
	return nil
}

// DeleteIndexValue removes the object from the namespace.
func (a *adapter) DeleteIndexValue(ctx context.Context, table, index, param, object string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOpen(ctx); err != nil {
		return err
	}
	if ns := a.namespace(table, index, param, false); ns != nil {
		delete(ns, object)
	}
	return nil
}

// ScanIndex returns the entries of the namespace in scan order.
func (a *adapter) ScanIndex(ctx context.Context, table, index, param string, rng *t.ScanRange) ([]t.IndexEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOpen(ctx); err != nil {
		return nil, err
	}

	ns := a.namespace(table, index, param, false)
	entries := make([]t.IndexEntry, 0, len(ns))
	for obj, score := range ns {
		entries = append(entries, t.IndexEntry{Object: obj, Score: score})
	}
	entries = t.FilterIndexEntries(entries, rng)
	if limit := common.ScanLimit(rng, a.maxResults); limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// QueueAppend appends items to the queue.
func (a *adapter) QueueAppend(ctx context.Context, table, key string, items [][]byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOpen(ctx); err != nil {
		return err
	}
	qk := queueKey{table, key}
	for _, item := range items {
		a.queues[qk] = append(a.queues[qk], append([]byte{}, item...))
	}
	return nil
}

func (a *adapter) peek(qk queueKey, n int) [][]byte {
	q := a.queues[qk]
	n = common.PeekLimit(n, a.maxResults)
	if n > len(q) {
		n = len(q)
	}
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = append([]byte{}, q[i]...)
	}
	return out
}

// QueuePeek returns up to n items from the head of the queue.
func (a *adapter) QueuePeek(ctx context.Context, table, key string, n int) ([][]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOpen(ctx); err != nil {
		return nil, err
	}
	return a.peek(queueKey{table, key}, n), nil
}

// QueueConsumeAndPeek drops consumeN items from the head and peeks at the new head.
func (a *adapter) QueueConsumeAndPeek(ctx context.Context, table, key string, consumeN, peekN int) ([][]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOpen(ctx); err != nil {
		return nil, err
	}
	qk := queueKey{table, key}
	q := a.queues[qk]
	if consumeN > len(q) {
		consumeN = len(q)
	}
	if consumeN > 0 {
		q = q[consumeN:]
		if len(q) == 0 {
			delete(a.queues, qk)
		} else {
			a.queues[qk] = q
		}
	}
	return a.peek(qk, peekN), nil
}

func init() {
	store.RegisterAdapter(NewAdapter())
}
