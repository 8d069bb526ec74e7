package replica

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/deuxdrop/chat/server/logs"
	"github.com/deuxdrop/chat/server/schema"
)

// ConnState is the delivery state of a device connection.
type ConnState int

// Connection states.
const (
	// Connected, nothing sent yet.
	StateIdle ConnState = iota
	// One block sent, waiting for the acknowledgement.
	StateInflight
	// Queue drained.
	StateCaughtUp
	// Transport gone, waiting for a reattach.
	StateZombie
	// Torn down.
	StateDead
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInflight:
		return "inflight"
	case StateCaughtUp:
		return "caughtUp"
	case StateZombie:
		return "zombie"
	case StateDead:
		return "dead"
	}
	return "unknown"
}

// ErrNothingInflight is returned by Ack when no block awaits acknowledgement.
var ErrNothingInflight = errors.New("replica: nothing in flight")

// ClientConn is the backside state of one device connection. At most one block is in
// flight at any time.
type ClientConn struct {
	delivery *Delivery
	user     string
	client   string

	// Serializes the queue operations of the device.
	mu        sync.Mutex
	transport Transport
	state     ConnState
	// State to resume after the zombie period.
	resume ConnState
	// More blocks were queued while one was in flight or while zombie.
	backlog bool
	// Number of blocks sent and acknowledged over the lifetime of the backside state.
	sent, acked uint64
	zombie      *time.Timer
}

// User returns the root key of the device owner.
func (c *ClientConn) User() string {
	return c.user
}

// Client returns the device key.
func (c *ClientConn) Client() string {
	return c.client
}

// State returns the current state.
func (c *ClientConn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Backlog reports whether blocks were queued while one was in flight.
func (c *ClientConn) Backlog() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backlog
}

// Counters returns the number of blocks sent and acknowledged.
func (c *ClientConn) Counters() (sent, acked uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent, c.acked
}

func (c *ClientConn) setState(state ConnState) {
	from := c.state
	c.state = state
	c.delivery.transition(from, state)
}

// HeyAReplicaBlock tells the connection a block was queued.
func (c *ClientConn) HeyAReplicaBlock(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateInflight, StateZombie:
		c.backlog = true
		return nil
	case StateDead:
		return ErrNotConnected
	}

	items, err := c.delivery.db.QueuePeek(ctx, schema.TableClientQueues, schema.ClientQueue(c.client), 1)
	if err != nil {
		return err
	}
	return c.sendHead(items)
}

// Ack acknowledges the block in flight: the block is consumed from the queue and the
// next one, if any, is sent.
func (c *ClientConn) Ack(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateInflight {
		return ErrNothingInflight
	}

	items, err := c.delivery.db.QueueConsumeAndPeek(ctx, schema.TableClientQueues, schema.ClientQueue(c.client), 1, 1)
	if err != nil {
		return err
	}
	c.acked++
	c.backlog = false
	return c.sendHead(items)
}

// sendHead sends the peeked head or marks the connection caught up. Called with the
// lock held.
func (c *ClientConn) sendHead(items [][]byte) error {
	if len(items) == 0 {
		c.setState(StateCaughtUp)
		return nil
	}

	data, err := json.Marshal(&envelope{Seq: c.sent + 1, Block: items[0]})
	if err != nil {
		return err
	}
	if err = c.transport.Send(data); err != nil {
		// The block stays at the head of the queue and nothing is in flight. A reattach
		// sends it again.
		c.backlog = true
		c.disconnect()
		c.resume = StateIdle
		return err
	}
	c.sent++
	c.setState(StateInflight)
	return nil
}

// Disconnect is called when the transport is gone. The backside state survives for the
// zombie grace period.
func (c *ClientConn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnect()
}

func (c *ClientConn) disconnect() {
	if c.state == StateZombie || c.state == StateDead {
		return
	}
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	c.resume = c.state
	c.setState(StateZombie)
	c.zombie = time.AfterFunc(c.delivery.zombieTimeout, c.expire)
}

func (c *ClientConn) expire() {
	c.mu.Lock()
	if c.state != StateZombie {
		c.mu.Unlock()
		return
	}
	c.setState(StateDead)
	c.mu.Unlock()

	logs.Info.Printf("replica: zombie %s expired", c.client)
	c.delivery.forget(c)
}

func (c *ClientConn) reattach(ctx context.Context, transport Transport, sent, acked uint64) error {
	c.mu.Lock()

	if c.state != StateZombie || sent != c.sent || acked != c.acked {
		c.mu.Unlock()
		c.teardown()
		return ErrResync
	}

	if c.zombie != nil {
		c.zombie.Stop()
		c.zombie = nil
	}
	c.transport = transport
	c.setState(c.resume)

	var err error
	if c.state != StateInflight {
		// Blocks may have arrived or failed to go out while the device was away.
		c.backlog = false
		var items [][]byte
		if items, err = c.delivery.db.QueuePeek(ctx, schema.TableClientQueues, schema.ClientQueue(c.client), 1); err == nil {
			err = c.sendHead(items)
		}
	}
	c.mu.Unlock()
	return err
}

// teardown destroys the backside state. The device has to resynchronize from its queue.
func (c *ClientConn) teardown() {
	c.mu.Lock()
	if c.state == StateDead {
		c.mu.Unlock()
		return
	}
	if c.zombie != nil {
		c.zombie.Stop()
		c.zombie = nil
	}
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	c.setState(StateDead)
	c.mu.Unlock()

	c.delivery.forget(c)
}
