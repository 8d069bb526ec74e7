package types

import (
	"encoding/json"
	"time"
)

// BlockKind describes what a replica block changed.
type BlockKind string

// Replica block kinds.
const (
	BlockConvCreated     BlockKind = "convCreated"
	BlockJoin            BlockKind = "join"
	BlockMessage         BlockKind = "message"
	BlockMeta            BlockKind = "meta"
	BlockContactAdded    BlockKind = "contactAdded"
	BlockContactRequest  BlockKind = "contactRequest"
	BlockContactPending  BlockKind = "contactPending"
	BlockContactRejected BlockKind = "contactRejected"
)

// ReplicaBlock is an immutable unit of committed state change queued for delivery to
// every device of the user. The signature authenticates the block to the devices.
type ReplicaBlock struct {
	ID   string    `json:"id"`
	Kind BlockKind `json:"kind"`
	// Table and user-relative row the block describes.
	Table string `json:"table"`
	Row   string `json:"row"`
	// Cells written by the mutation.
	Cells Row `json:"cells,omitempty"`
	// Conversation sequence number, if any.
	Seq       int64     `json:"seq,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Sig       []byte    `json:"sig,omitempty"`
}

// SignedPayload returns the serialized block without the signature. This is the message
// which gets signed.
func (b *ReplicaBlock) SignedPayload() ([]byte, error) {
	unsigned := *b
	unsigned.Sig = nil
	return json.Marshal(&unsigned)
}

// Encode serializes the block for queueing.
func (b *ReplicaBlock) Encode() ([]byte, error) {
	return json.Marshal(b)
}

// DecodeReplicaBlock parses a queued block.
func DecodeReplicaBlock(data []byte) (*ReplicaBlock, error) {
	var b ReplicaBlock
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, Wrap(ErrMalformedPayload, err, "replica block")
	}
	return &b, nil
}
