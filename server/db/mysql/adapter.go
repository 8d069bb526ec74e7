//go:build mysql
// +build mysql

// Package mysql is a GenDb adapter for MySQL.
//
// Cells, index entries and queue items are kept in three generic tables keyed by the
// GenDb table name. Binary columns are used so that comparisons match byte order.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/deuxdrop/chat/server/db/common"
	"github.com/deuxdrop/chat/server/store"
	t "github.com/deuxdrop/chat/server/store/types"
	ms "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// adapter holds MySQL connection data.
type adapter struct {
	db     *sqlx.DB
	dsn    string
	dbName string
	// Maximum number of records to return
	maxResults int
	version    int

	// Single query timeout.
	sqlTimeout time.Duration
	// DB transaction timeout.
	txTimeout time.Duration
}

const (
	defaultDSN      = "root:@tcp(localhost:3306)/gendb?parseTime=true"
	defaultDatabase = "gendb"

	adpVersion  = 100
	adapterName = "mysql"

	defaultMaxResults = 1024

	// If DB request timeout is specified,
	// we allocate txTimeoutMultiplier times more time for transactions.
	txTimeoutMultiplier = 1.5
)

type configType struct {
	// DB connection string.
	DSN string `json:"dsn,omitempty"`
	// Name of the database. Overrides the name in the DSN if both are given.
	DBName string `json:"database,omitempty"`

	// Maximum number of open connections to the database.
	MaxOpenConns int `json:"max_open_conns,omitempty"`
	// Maximum number of connections in the idle connection pool.
	MaxIdleConns int `json:"max_idle_conns,omitempty"`
	// Maximum amount of time a connection may be reused (in seconds).
	ConnMaxLifetime int `json:"conn_max_lifetime,omitempty"`

	// DB request timeout (in seconds).
	// If 0 (or negative), no timeout is applied.
	SqlTimeout int `json:"sql_timeout,omitempty"`
}

// withTimeout bounds the caller's context by the configured query timeout.
func (a *adapter) withTimeout(ctx context.Context, tx bool) (context.Context, context.CancelFunc) {
	timeout := a.sqlTimeout
	if tx {
		timeout = a.txTimeout
	}
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return ctx, func() {}
}

// Open initializes database session
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.db != nil {
		return errors.New("mysql adapter is already connected")
	}

	var err error
	var config configType
	if len(jsonconfig) > 0 {
		if err = json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("mysql adapter failed to parse config: " + err.Error())
		}
	}

	a.dsn = config.DSN
	if a.dsn == "" {
		a.dsn = defaultDSN
	}

	msConfig, err := ms.ParseDSN(a.dsn)
	if err != nil {
		return errors.New("mysql adapter failed to parse DSN: " + err.Error())
	}
	a.dbName = config.DBName
	if a.dbName == "" {
		a.dbName = msConfig.DBName
	}
	if a.dbName == "" {
		a.dbName = defaultDatabase
	}
	msConfig.DBName = a.dbName
	a.dsn = msConfig.FormatDSN()

	if a.maxResults <= 0 {
		a.maxResults = defaultMaxResults
	}

	a.db, err = sqlx.Open("mysql", a.dsn)
	if err != nil {
		return err
	}

	// sql.Open does not open the network connection.
	// Force network connection here.
	err = a.db.Ping()
	if isMissingDb(err) {
		// Missing DB is OK if we are initializing the database.
		err = nil
	}

	if err == nil {
		if config.MaxOpenConns > 0 {
			a.db.SetMaxOpenConns(config.MaxOpenConns)
		}
		if config.MaxIdleConns > 0 {
			a.db.SetMaxIdleConns(config.MaxIdleConns)
		}
		if config.ConnMaxLifetime > 0 {
			a.db.SetConnMaxLifetime(time.Duration(config.ConnMaxLifetime) * time.Second)
		}
		if config.SqlTimeout > 0 {
			a.sqlTimeout = time.Duration(config.SqlTimeout) * time.Second
			// We allocate txTimeoutMultiplier times sqlTimeout for transactions.
			a.txTimeout = time.Duration(float64(config.SqlTimeout)*txTimeoutMultiplier) * time.Second
		}
	}
	a.version = -1
	return err
}

// Close closes the underlying database connection
func (a *adapter) Close() error {
	var err error
	if a.db != nil {
		err = a.db.Close()
		a.db = nil
		a.version = -1
	}
	return err
}

// IsOpen returns true if connection to database has been established. It does not check if
// connection is actually live.
func (a *adapter) IsOpen() bool {
	return a.db != nil
}

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	if a.version > 0 {
		return a.version, nil
	}

	ctx, cancel := a.withTimeout(context.Background(), false)
	defer cancel()
	var vers int
	err := a.db.GetContext(ctx, &vers, "SELECT `value` FROM kvmeta WHERE `key`='version'")
	if err != nil {
		if isMissingDb(err) || isMissingTable(err) || err == sql.ErrNoRows {
			err = errors.New("Database not initialized")
		}
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

// Version returns adapter version.
func (adapter) Version() int {
	return adpVersion
}

// Stats returns DB connection stats object.
func (a *adapter) Stats() any {
	if a.db == nil {
		return nil
	}
	return a.db.Stats()
}

// GetName returns string that adapter uses to register itself with store.
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

// GetTestDB returns the *sqlx.DB. Use in tests only.
func (a *adapter) GetTestDB() any {
	return a.db
}

// CreateDb initializes the storage.
func (a *adapter) CreateDb(reset bool) error {
	var err error
	var tx *sql.Tx

	// Can't use an existing connection because it's configured with a database name which may not exist.
	// Don't care if it does not close cleanly.
	a.db.Close()

	msConfig, err := ms.ParseDSN(a.dsn)
	if err != nil {
		return err
	}
	msConfig.DBName = ""
	if a.db, err = sqlx.Open("mysql", msConfig.FormatDSN()); err != nil {
		return err
	}

	if tx, err = a.db.Begin(); err != nil {
		return err
	}

	defer func() {
		if err != nil {
			// MySQL auto-commits on every CREATE TABLE. Rollback is best effort.
			tx.Rollback()
		}
	}()

	if reset {
		if _, err = tx.Exec("DROP DATABASE IF EXISTS " + a.dbName); err != nil {
			return err
		}
	}

	if _, err = tx.Exec("CREATE DATABASE " + a.dbName + " CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci"); err != nil {
		return err
	}

	if _, err = tx.Exec("USE " + a.dbName); err != nil {
		return err
	}

	if _, err = tx.Exec(
		`CREATE TABLE kvmeta(` +
			"`key`   VARCHAR(64) NOT NULL," +
			"`value` TEXT," +
			"PRIMARY KEY(`key`)" +
			`)`); err != nil {
		return err
	}
	if _, err = tx.Exec("INSERT INTO kvmeta(`key`, `value`) VALUES('version', ?)", strconv.Itoa(adpVersion)); err != nil {
		return err
	}

	// Row cells.
	if _, err = tx.Exec(
		`CREATE TABLE cells(
			tbl   VARBINARY(64) NOT NULL,
			rowid VARBINARY(1024) NOT NULL,
			cell  VARBINARY(1024) NOT NULL,
			value LONGBLOB NOT NULL,
			PRIMARY KEY(tbl, rowid, cell)
		)`); err != nil {
		return err
	}

	// Index entries.
	if _, err = tx.Exec(
		`CREATE TABLE indices(
			tbl   VARBINARY(64) NOT NULL,
			idx   VARBINARY(64) NOT NULL,
			param VARBINARY(512) NOT NULL,
			obj   VARBINARY(1024) NOT NULL,
			score DOUBLE NOT NULL,
			PRIMARY KEY(tbl, idx, param, obj),
			INDEX indices_scan(tbl, idx, param, score)
		)`); err != nil {
		return err
	}

	// Queue items.
	if _, err = tx.Exec(
		`CREATE TABLE queues(
			id   BIGINT NOT NULL AUTO_INCREMENT,
			tbl  VARBINARY(64) NOT NULL,
			qkey VARBINARY(1024) NOT NULL,
			item LONGBLOB NOT NULL,
			PRIMARY KEY(id),
			INDEX queues_head(tbl, qkey, id)
		)`); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return err
	}

	// Reconnect with the database name.
	a.db.Close()
	a.db, err = sqlx.Open("mysql", a.dsn)
	a.version = -1
	return err
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

// Cells.

// GetRow returns all cells of the row.
func (a *adapter) GetRow(ctx context.Context, table, rowID string) (t.Row, error) {
	ctx, cancel := a.withTimeout(ctx, false)
	defer cancel()

	rows, err := a.db.QueryxContext(ctx, "SELECT cell, value FROM cells WHERE tbl=? AND rowid=?", table, rowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	row := t.Row{}
	for rows.Next() {
		var cell string
		var value []byte
		if err = rows.Scan(&cell, &value); err != nil {
			return nil, err
		}
		row[cell] = t.Value(value)
	}
	return row, rows.Err()
}

// GetCell returns a single cell.
func (a *adapter) GetCell(ctx context.Context, table, rowID, cell string) (t.Value, error) {
	ctx, cancel := a.withTimeout(ctx, false)
	defer cancel()

	var value []byte
	err := a.db.GetContext(ctx, &value, "SELECT value FROM cells WHERE tbl=? AND rowid=? AND cell=?", table, rowID, cell)
	if err == sql.ErrNoRows {
		return t.Absent, nil
	}
	if err != nil {
		return nil, err
	}
	return t.Value(value), nil
}

// PutCells writes all cells in a transaction.
func (a *adapter) PutCells(ctx context.Context, table, rowID string, cells t.Row) error {
	if err := common.ValidateCells(cells); err != nil {
		return err
	}

	ctx, cancel := a.withTimeout(ctx, true)
	defer cancel()

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for cell, value := range cells {
		if value.IsAbsent() {
			_, err = tx.ExecContext(ctx, "DELETE FROM cells WHERE tbl=? AND rowid=? AND cell=?", table, rowID, cell)
		} else {
			_, err = tx.ExecContext(ctx, "INSERT INTO cells(tbl,rowid,cell,value) VALUES(?,?,?,?) "+
				"ON DUPLICATE KEY UPDATE value=VALUES(value)", table, rowID, cell, []byte(value))
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteRow deletes all cells of the row.
func (a *adapter) DeleteRow(ctx context.Context, table, rowID string) error {
	ctx, cancel := a.withTimeout(ctx, false)
	defer cancel()
	_, err := a.db.ExecContext(ctx, "DELETE FROM cells WHERE tbl=? AND rowid=?", table, rowID)
	return err
}

// DeleteCell deletes a single cell.
func (a *adapter) DeleteCell(ctx context.Context, table, rowID, cell string) error {
	ctx, cancel := a.withTimeout(ctx, false)
	defer cancel()
	_, err := a.db.ExecContext(ctx, "DELETE FROM cells WHERE tbl=? AND rowid=? AND cell=?", table, rowID, cell)
	return err
}

// IncrementCell upserts the counter and reads it back in the same transaction.
func (a *adapter) IncrementCell(ctx context.Context, table, rowID, cell string, delta int64) (int64, error) {
	if err := common.ValidateCellName(cell); err != nil {
		return 0, err
	}

	ctx, cancel := a.withTimeout(ctx, true)
	defer cancel()

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "INSERT INTO cells(tbl,rowid,cell,value) VALUES(?,?,?,?) "+
		"ON DUPLICATE KEY UPDATE value=CAST(CAST(CAST(value AS CHAR) AS SIGNED)+? AS CHAR)",
		table, rowID, cell, []byte(t.IntValue(delta)), delta); err != nil {
		return 0, err
	}

	var value []byte
	if err = tx.GetContext(ctx, &value, "SELECT value FROM cells WHERE tbl=? AND rowid=? AND cell=?",
		table, rowID, cell); err != nil {
		return 0, err
	}
	n, ok := t.Value(value).Int64()
	if !ok {
		err = common.ErrNotInteger
		return 0, err
	}
	return n, tx.Commit()
}

// Indices.

// UpdateIndexValue sets the score of the object.
func (a *adapter) UpdateIndexValue(ctx context.Context, table, index, param, object string, score float64) error {
	ctx, cancel := a.withTimeout(ctx, false)
	defer cancel()
	_, err := a.db.ExecContext(ctx, "INSERT INTO indices(tbl,idx,param,obj,score) VALUES(?,?,?,?,?) "+
		"ON DUPLICATE KEY UPDATE score=VALUES(score)", table, index, param, object, score)
	return err
}

// MaximizeIndexValue raises the score of the object.
func (a *adapter) MaximizeIndexValue(ctx context.Context, table, index, param, object string, score float64) error {
	ctx, cancel := a.withTimeout(ctx, false)
	defer cancel()
	_, err := a.db.ExecContext(ctx, "INSERT INTO indices(tbl,idx,param,obj,score) VALUES(?,?,?,?,?) "+
		"ON DUPLICATE KEY UPDATE score=GREATEST(score,VALUES(score))", table, index, param, object, score)
	return err
}

// UpdateStringIndexValue replaces the namespace with the single value.
func (a *adapter) UpdateStringIndexValue(ctx context.Context, table, index, param, value string) error {
	ctx, cancel := a.withTimeout(ctx, true)
	defer cancel()

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM indices WHERE tbl=? AND idx=? AND param=?", table, index, param); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, "INSERT INTO indices(tbl,idx,param,obj,score) VALUES(?,?,?,?,0)",
		table, index, param, value); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteIndexValue removes the object from the namespace.
func (a *adapter) DeleteIndexValue(ctx context.Context, table, index, param, object string) error {
	ctx, cancel := a.withTimeout(ctx, false)
	defer cancel()
	_, err := a.db.ExecContext(ctx, "DELETE FROM indices WHERE tbl=? AND idx=? AND param=? AND obj=?",
		table, index, param, object)
	return err
}

// ScanIndex returns the entries of the namespace in scan order.
func (a *adapter) ScanIndex(ctx context.Context, table, index, param string, rng *t.ScanRange) ([]t.IndexEntry, error) {
	query, args := scanQuery(table, index, param, rng, common.ScanLimit(rng, a.maxResults))

	ctx, cancel := a.withTimeout(ctx, false)
	defer cancel()

	entries := []t.IndexEntry{}
	rows, err := a.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry t.IndexEntry
		if err = rows.Scan(&entry.Object, &entry.Score); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanQuery(table, index, param string, rng *t.ScanRange, limit int) (string, []any) {
	var sb strings.Builder
	args := []any{table, index, param}
	sb.WriteString("SELECT obj, score FROM indices WHERE tbl=? AND idx=? AND param=?")
	if rng != nil && rng.Low != nil {
		if rng.LowExclusive {
			sb.WriteString(" AND score>?")
		} else {
			sb.WriteString(" AND score>=?")
		}
		args = append(args, *rng.Low)
	}
	if rng != nil && rng.High != nil {
		if rng.HighExclusive {
			sb.WriteString(" AND score<?")
		} else {
			sb.WriteString(" AND score<=?")
		}
		args = append(args, *rng.High)
	}
	sb.WriteString(" ORDER BY score DESC, obj ASC")
	if limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, limit)
	}
	return sb.String(), args
}

// Queues.

// QueueAppend inserts the items in order.
func (a *adapter) QueueAppend(ctx context.Context, table, key string, items [][]byte) error {
	ctx, cancel := a.withTimeout(ctx, true)
	defer cancel()

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, item := range items {
		if _, err = tx.ExecContext(ctx, "INSERT INTO queues(tbl,qkey,item) VALUES(?,?,?)", table, key, item); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func peek(ctx context.Context, q sqlx.QueryerContext, table, key string, n int) ([][]byte, error) {
	items := [][]byte{}
	if n <= 0 {
		return items, nil
	}
	err := sqlx.SelectContext(ctx, q, &items, "SELECT item FROM queues WHERE tbl=? AND qkey=? ORDER BY id LIMIT ?",
		table, key, n)
	return items, err
}

// QueuePeek returns up to n items from the head.
func (a *adapter) QueuePeek(ctx context.Context, table, key string, n int) ([][]byte, error) {
	ctx, cancel := a.withTimeout(ctx, false)
	defer cancel()
	return peek(ctx, a.db, table, key, common.PeekLimit(n, a.maxResults))
}

// QueueConsumeAndPeek deletes consumeN head items and peeks at the new head in one transaction.
func (a *adapter) QueueConsumeAndPeek(ctx context.Context, table, key string, consumeN, peekN int) ([][]byte, error) {
	ctx, cancel := a.withTimeout(ctx, true)
	defer cancel()

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if consumeN > 0 {
		if _, err = tx.ExecContext(ctx, "DELETE FROM queues WHERE tbl=? AND qkey=? ORDER BY id LIMIT ?",
			table, key, consumeN); err != nil {
			return nil, err
		}
	}
	var items [][]byte
	if items, err = peek(ctx, tx, table, key, common.PeekLimit(peekN, a.maxResults)); err != nil {
		return nil, err
	}
	return items, tx.Commit()
}

// Helper functions

func isMissingDb(err error) bool {
	if err == nil {
		return false
	}

	myerr, ok := err.(*ms.MySQLError)
	return ok && myerr.Number == 1049
}

func isMissingTable(err error) bool {
	if err == nil {
		return false
	}

	myerr, ok := err.(*ms.MySQLError)
	return ok && myerr.Number == 1146
}

// GetTestAdapter returns an adapter object. Useful for running tests.
func GetTestAdapter() *adapter {
	return &adapter{}
}

func init() {
	store.RegisterAdapter(&adapter{})
}
