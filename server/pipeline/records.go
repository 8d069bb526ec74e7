package pipeline

import "encoding/json"

// Entry kinds.
const (
	EntryJoin    = "join"
	EntryMessage = "message"
)

// Participant is the value of a conversation membership cell.
type Participant struct {
	RootKey  string `json:"rootKey,omitempty"`
	JoinedAt int64  `json:"joinedAt"`
	// Sequence number of the join entry, -1 for the creator.
	Seq int64 `json:"seq"`
}

// Entry is the value of a conversation entry cell.
type Entry struct {
	Kind string `json:"kind"`
	// Tell key of the author or the inviter.
	By          string `json:"by"`
	Invitee     string `json:"invitee,omitempty"`
	InviteeRoot string `json:"inviteeRoot,omitempty"`
	// Message body, still encrypted to the participants.
	Body       []byte `json:"body,omitempty"`
	SentAt     int64  `json:"sentAt,omitempty"`
	ReceivedAt int64  `json:"receivedAt"`
}

// MetaRecord is the value of a per-participant metadata cell.
type MetaRecord struct {
	Seq         int64           `json:"seq"`
	ReadThrough int64           `json:"readThrough,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// PendingOut is a contact request sent by the user and not yet reciprocated.
type PendingOut struct {
	Server    string          `json:"server"`
	Message   string          `json:"message,omitempty"`
	SelfIdent json.RawMessage `json:"selfIdent,omitempty"`
	Auth      []byte          `json:"auth"`
	SentAt    int64           `json:"sentAt"`
}

// PendingIn is a contact request received by the user and awaiting a decision.
type PendingIn struct {
	Server     string          `json:"server"`
	Message    string          `json:"message,omitempty"`
	SelfIdent  json.RawMessage `json:"selfIdent,omitempty"`
	ReceivedAt int64           `json:"receivedAt"`
}

// PeepGraph records how the user knows the peep.
type PeepGraph struct {
	// Conversation where the peep was first seen.
	Conv string `json:"conv,omitempty"`
	// Tell key of the participant who invited the peep.
	Via     string `json:"via,omitempty"`
	Contact bool   `json:"contact,omitempty"`
	Server  string `json:"server,omitempty"`
}
