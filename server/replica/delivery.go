// Package replica delivers replica blocks to the devices of a user. Every device has a
// queue in GenDb; a live connection drains its queue one acknowledged block at a time.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	adapter "github.com/deuxdrop/chat/server/db"
	"github.com/deuxdrop/chat/server/logs"
	"github.com/deuxdrop/chat/server/schema"
	"github.com/deuxdrop/chat/server/store/types"
)

// DefaultZombieTimeout is the grace period of a disconnected device.
const DefaultZombieTimeout = 30 * time.Second

var (
	// ErrNotConnected is returned for a device without a live connection.
	ErrNotConnected = errors.New("replica: device not connected")
	// ErrResync means the device state could not be resumed. The device must reconnect and
	// resynchronize from its queue.
	ErrResync = errors.New("replica: resynchronization required")
	// ErrUnknownClient is returned for a device not registered with the user.
	ErrUnknownClient = errors.New("replica: unknown client")
)

// Transport sends serialized blocks to one connected device.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Registration is the value of a device registration cell.
type Registration struct {
	RegisteredAt int64  `json:"registeredAt"`
	Name         string `json:"name,omitempty"`
}

// Delivery owns the connections of all devices of all users.
type Delivery struct {
	db            adapter.Adapter
	zombieTimeout time.Duration

	mu sync.Mutex
	// Live and zombie connections by client key.
	conns map[string]*ClientConn

	// Optional observer of state transitions, for metrics.
	OnTransition func(from, to ConnState)
}

// NewDelivery creates a delivery with the given zombie grace period. Zero means
// DefaultZombieTimeout.
func NewDelivery(db adapter.Adapter, zombieTimeout time.Duration) *Delivery {
	if zombieTimeout <= 0 {
		zombieTimeout = DefaultZombieTimeout
	}
	return &Delivery{
		db:            db,
		zombieTimeout: zombieTimeout,
		conns:         map[string]*ClientConn{},
	}
}

// RegisterClient adds a device to the user.
func (d *Delivery) RegisterClient(ctx context.Context, userKey, clientKey, name string) error {
	val, err := types.NewValue(&Registration{RegisteredAt: time.Now().UnixMilli(), Name: name})
	if err != nil {
		return err
	}
	return d.db.PutCells(ctx, schema.TableUsers, userKey, types.Row{schema.UserClient(clientKey): val})
}

// UnregisterClient removes the device and tears down its connection. The queue is left
// to be garbage collected.
func (d *Delivery) UnregisterClient(ctx context.Context, userKey, clientKey string) error {
	if err := d.db.DeleteCell(ctx, schema.TableUsers, userKey, schema.UserClient(clientKey)); err != nil {
		return err
	}
	d.mu.Lock()
	conn := d.conns[clientKey]
	d.mu.Unlock()
	if conn != nil {
		conn.teardown()
	}
	return nil
}

// Clients returns the registered devices of the user.
func (d *Delivery) Clients(ctx context.Context, userKey string) ([]string, error) {
	row, err := d.db.GetRow(ctx, schema.TableUsers, userKey)
	if err != nil {
		return nil, err
	}
	var clients []string
	for _, name := range row.CellNames() {
		if key, ok := schema.ClientKeyFromCell(name); ok {
			clients = append(clients, key)
		}
	}
	return clients, nil
}

// RelayToAllClients queues the block for every device of the user then tells the live
// connections about it.
func (d *Delivery) RelayToAllClients(ctx context.Context, userKey string, block *types.ReplicaBlock) error {
	data, err := block.Encode()
	if err != nil {
		return err
	}
	clients, err := d.Clients(ctx, userKey)
	if err != nil {
		return err
	}

	for _, clientKey := range clients {
		if err = d.db.QueueAppend(ctx, schema.TableClientQueues, schema.ClientQueue(clientKey), [][]byte{data}); err != nil {
			return err
		}
	}

	for _, clientKey := range clients {
		if conn := d.Conn(clientKey); conn != nil {
			if err := conn.HeyAReplicaBlock(ctx); err != nil {
				// The block is queued; the device gets it on the next attempt.
				logs.Warn.Printf("replica: notify %s failed: %v", clientKey, err)
			}
		}
	}
	return nil
}

// Conn returns the connection of the device or nil.
func (d *Delivery) Conn(clientKey string) *ClientConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[clientKey]
}

// Connect binds a fresh connection to the device and starts sending its queue from the
// head. An existing connection of the device, live or zombie, is torn down.
func (d *Delivery) Connect(ctx context.Context, userKey, clientKey string, transport Transport) (*ClientConn, error) {
	row, err := d.db.GetRow(ctx, schema.TableUsers, userKey)
	if err != nil {
		return nil, err
	}
	if row.Get(schema.UserClient(clientKey)).IsAbsent() {
		return nil, ErrUnknownClient
	}

	conn := &ClientConn{
		delivery:  d,
		user:      userKey,
		client:    clientKey,
		transport: transport,
		state:     StateIdle,
	}

	d.mu.Lock()
	old := d.conns[clientKey]
	d.conns[clientKey] = conn
	d.mu.Unlock()

	if old != nil {
		old.teardown()
	}

	return conn, conn.HeyAReplicaBlock(ctx)
}

// Reattach resumes a zombie connection of the device over a new transport. The counters
// are what the device has seen: blocks received and blocks acknowledged.
func (d *Delivery) Reattach(ctx context.Context, clientKey string, transport Transport, sent, acked uint64) (*ClientConn, error) {
	conn := d.Conn(clientKey)
	if conn == nil {
		return nil, ErrResync
	}
	if err := conn.reattach(ctx, transport, sent, acked); err != nil {
		return nil, err
	}
	return conn, nil
}

// ConnCount returns the number of live and zombie connections.
func (d *Delivery) ConnCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Close tears down every connection.
func (d *Delivery) Close() {
	d.mu.Lock()
	conns := make([]*ClientConn, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		c.teardown()
	}
}

func (d *Delivery) forget(conn *ClientConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conns[conn.client] == conn {
		delete(d.conns, conn.client)
	}
}

func (d *Delivery) transition(from, to ConnState) {
	if d.OnTransition != nil && from != to {
		d.OnTransition(from, to)
	}
}

// DecodeBlocks is a helper for devices and tests: parses a peeked queue.
func DecodeBlocks(items [][]byte) ([]*types.ReplicaBlock, error) {
	out := make([]*types.ReplicaBlock, 0, len(items))
	for _, item := range items {
		b, err := types.DecodeReplicaBlock(item)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// envelope is what goes on the wire to the device: the block plus the counters the
// device needs to reattach.
type envelope struct {
	Seq   uint64          `json:"seq"`
	Block json.RawMessage `json:"block"`
}
