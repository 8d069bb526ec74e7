// Package pipeline turns inbound conversation and contact events into durable per-user
// state. Each hosted user has one UserMessageProcessor which applies the events of that
// user strictly one at a time; unrelated users are processed in parallel by the Runner.
package pipeline

//go:generate mockgen -destination=mock_pipeline/mock_pipeline.go -package=mock_pipeline github.com/deuxdrop/chat/server/pipeline Relay,Directory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/deuxdrop/chat/server/concurrency"
	"github.com/deuxdrop/chat/server/crypto"
	adapter "github.com/deuxdrop/chat/server/db"
	"github.com/deuxdrop/chat/server/notify"
	"github.com/deuxdrop/chat/server/store/types"
)

// Boundaries finds the crypto boundary holding the keys of a hosted user.
type Boundaries interface {
	Boundary(userRootKey string) (crypto.Boundary, error)
}

// BoundaryFunc adapts a function to the Boundaries interface.
type BoundaryFunc func(userRootKey string) (crypto.Boundary, error)

// Boundary implements Boundaries.
func (f BoundaryFunc) Boundary(userRootKey string) (crypto.Boundary, error) {
	return f(userRootKey)
}

// Replicator queues committed blocks for every device of the user.
type Replicator interface {
	RelayToAllClients(ctx context.Context, userRootKey string, block *types.ReplicaBlock) error
}

// ContactRequest is the establishment message sent to the peer's server.
type ContactRequest struct {
	// Root key of the requesting user.
	From string `json:"from"`
	// Root key of the peer.
	To string `json:"to"`
	// Server hosting the peer's maildrop.
	Server  string `json:"server"`
	Message string `json:"message,omitempty"`
}

// Relay carries requests to the other server roles.
type Relay interface {
	// AuthorizeSender tells the maildrop of the user to accept messages from the peer.
	AuthorizeSender(ctx context.Context, userRootKey, peerRootKey, peerServer string, auth []byte) error
	// SendContactRequest dispatches the establishment message.
	SendContactRequest(ctx context.Context, req *ContactRequest) error
}

// PhonebookEntry is an identity found in a directory.
type PhonebookEntry struct {
	RootKey   string          `json:"rootKey"`
	Server    string          `json:"server"`
	SelfIdent json.RawMessage `json:"selfIdent,omitempty"`
	// Name of the directory which returned the entry.
	Source string `json:"source"`
}

// Directory is a phonebook source.
type Directory interface {
	Name() string
	Lookup(ctx context.Context, query string) ([]PhonebookEntry, error)
}

// Env is the set of collaborators shared by all processors.
type Env struct {
	DB       adapter.Adapter
	Keys     Boundaries
	Replicas Replicator
	Relay    Relay
	// Runs phonebook lookups. Nil means one goroutine per lookup.
	Pool *concurrency.GoRoutinePool
	// NewID generates replica block ids.
	NewID func() string
	// Now is time.Now unless overridden in tests.
	Now func() time.Time
	// NewMessages receives the new-message notifications released at the end of an update
	// phase. May be nil.
	NewMessages NewMessageSink
}

// NewMessageSink receives the messages of one conversation which the user has not seen.
type NewMessageSink func(userRootKey, convID string, msgs []notify.NewishMessage)

func (env *Env) now() time.Time {
	if env.Now != nil {
		return env.Now()
	}
	return time.Now()
}

// Result describes what a successful task did.
type Result struct {
	Event types.EventKind
	// Blocks relayed to the devices, including those of replayed backlog events.
	Blocks []*types.ReplicaBlock
	// The contact request was dropped because the sender is suppressed.
	Suppressed bool
}

// Outcome is the result or the error of one event.
type Outcome struct {
	Result *Result
	Err    error
}
