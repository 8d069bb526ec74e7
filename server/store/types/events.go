package types

import (
	"encoding/json"
)

// EventKind is the wire discriminator of an inbound event.
type EventKind string

// Inbound event kinds.
const (
	EventWelcome         EventKind = "welcome"
	EventJoin            EventKind = "join"
	EventMessage         EventKind = "message"
	EventMeta            EventKind = "meta"
	EventContactRequest  EventKind = "contactRequest"
	EventOutgoingContact EventKind = "outgoingContact"
	EventContactReject   EventKind = "contactReject"
)

// Event is one of WelcomeEvent, JoinEvent, MessageEvent, MetaEvent, ContactRequestEvent,
// OutgoingContactEvent, ContactRejectEvent. The set is closed: the unexported method
// prevents other packages from adding variants.
type Event interface {
	Kind() EventKind
	isEvent()
}

// Envelope is the boxed part of an event which only the crypto boundary can open.
type Envelope struct {
	Nonce []byte `json:"nonce"`
	Boxed []byte `json:"boxed"`
}

// WelcomeEvent is the first event of a conversation: an invitation plus the backlog of
// events which happened in the conversation before the user joined.
type WelcomeEvent struct {
	ConvID string `json:"convId"`
	// Key of the fanout server or inviter which boxed the invitation.
	SenderKey string `json:"senderKey"`
	Envelope
	Backlog []Event `json:"-"`
}

// JoinEvent adds a participant to the conversation. Sent by an existing participant.
type JoinEvent struct {
	ConvID string `json:"convId"`
	// Tell key of the inviting participant.
	SenderKey string `json:"senderKey"`
	// Tell key of the new participant.
	Invitee string `json:"invitee"`
	Envelope
}

// MessageEvent is a human message authored by a participant.
type MessageEvent struct {
	ConvID string `json:"convId"`
	// Tell key of the author.
	SenderKey string `json:"senderKey"`
	// Fanout receipt timestamp in milliseconds.
	ReceivedAt int64 `json:"receivedAt"`
	Envelope
}

// MetaEvent replaces per-participant metadata of the conversation, e.g. the read watermark.
type MetaEvent struct {
	ConvID    string `json:"convId"`
	SenderKey string `json:"senderKey"`
	// Conversation sequence number the metadata was authored against.
	Seq int64 `json:"seq"`
	Envelope
}

// ContactRequestEvent is an incoming request to establish a mutual contact.
type ContactRequestEvent struct {
	// Root key of the requesting identity.
	SenderRootKey string `json:"senderRootKey"`
	// Key which boxed the envelope. Empty means the root key.
	SenderKey  string `json:"senderKey,omitempty"`
	ReceivedAt int64  `json:"receivedAt"`
	Envelope
}

// OutgoingContactEvent is the local user's request to add someone as a contact.
type OutgoingContactEvent struct {
	PeerRootKey string `json:"peerRootKey"`
	// Server which hosts the peer's maildrop.
	PeerServer string `json:"peerServer"`
	// Signed self-identification blob of the peer, as found in the phonebook.
	PeerSelfIdent json.RawMessage `json:"peerSelfIdent,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// ContactRejectEvent is the local user's rejection of a pending incoming contact request.
type ContactRejectEvent struct {
	PeerRootKey string `json:"peerRootKey"`
	// Suppress future requests from the same identity.
	Suppress bool `json:"suppress,omitempty"`
}

func (*WelcomeEvent) Kind() EventKind         { return EventWelcome }
func (*JoinEvent) Kind() EventKind            { return EventJoin }
func (*MessageEvent) Kind() EventKind         { return EventMessage }
func (*MetaEvent) Kind() EventKind            { return EventMeta }
func (*ContactRequestEvent) Kind() EventKind  { return EventContactRequest }
func (*OutgoingContactEvent) Kind() EventKind { return EventOutgoingContact }
func (*ContactRejectEvent) Kind() EventKind   { return EventContactReject }

func (*WelcomeEvent) isEvent()         {}
func (*JoinEvent) isEvent()            {}
func (*MessageEvent) isEvent()         {}
func (*MetaEvent) isEvent()            {}
func (*ContactRequestEvent) isEvent()  {}
func (*OutgoingContactEvent) isEvent() {}
func (*ContactRejectEvent) isEvent()   {}

// Invitation is the plaintext of a WelcomeEvent envelope.
type Invitation struct {
	ConvID string `json:"convId"`
	// Tell key of the conversation creator, the first authorized participant.
	Creator string `json:"creator"`
	// Root key of the creator.
	CreatorRoot string          `json:"creatorRoot,omitempty"`
	Meta        json.RawMessage `json:"meta,omitempty"`
}

// JoinPayload is the plaintext of a JoinEvent envelope.
type JoinPayload struct {
	InviteeTellKey string          `json:"inviteeTellKey"`
	InviteeRootKey string          `json:"inviteeRootKey"`
	SelfIdent      json.RawMessage `json:"selfIdent,omitempty"`
}

// MessagePayload is the plaintext of a MessageEvent envelope. The body remains
// encrypted to the conversation participants and is opaque to the server.
type MessagePayload struct {
	Body   []byte `json:"body"`
	SentAt int64  `json:"sentAt"`
}

// MetaPayload is the plaintext of a MetaEvent envelope.
type MetaPayload struct {
	Data json.RawMessage `json:"data,omitempty"`
	// Sequence number of the last message the author has read. Zero means not set.
	ReadThrough int64 `json:"readThrough,omitempty"`
}

// ContactRequestKind is the only acceptable value of ContactRequestPayload.Kind.
const ContactRequestKind = "contactRequest"

// ContactRequestPayload is the plaintext of a ContactRequestEvent envelope.
type ContactRequestPayload struct {
	Kind string `json:"kind"`
	// Root key the requester claims to be.
	From      string          `json:"from"`
	Server    string          `json:"server"`
	SelfIdent json.RawMessage `json:"selfIdent,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// wireEvent is the union of all event fields used for (de)serialization.
type wireEvent struct {
	Type EventKind `json:"type"`

	ConvID        string            `json:"convId,omitempty"`
	SenderKey     string            `json:"senderKey,omitempty"`
	SenderRootKey string            `json:"senderRootKey,omitempty"`
	Invitee       string            `json:"invitee,omitempty"`
	ReceivedAt    int64             `json:"receivedAt,omitempty"`
	Seq           int64             `json:"seq,omitempty"`
	Nonce         []byte            `json:"nonce,omitempty"`
	Boxed         []byte            `json:"boxed,omitempty"`
	Backlog       []json.RawMessage `json:"backlog,omitempty"`

	PeerRootKey   string          `json:"peerRootKey,omitempty"`
	PeerServer    string          `json:"peerServer,omitempty"`
	PeerSelfIdent json.RawMessage `json:"peerSelfIdent,omitempty"`
	Message       string          `json:"message,omitempty"`
	Suppress      bool            `json:"suppress,omitempty"`
}

// DecodeEvent parses a serialized event. Returns ErrMalformedPayload on garbage input.
func DecodeEvent(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, Wrap(ErrMalformedPayload, err, "event")
	}

	env := Envelope{Nonce: w.Nonce, Boxed: w.Boxed}
	switch w.Type {
	case EventWelcome:
		if w.ConvID == "" {
			return nil, Errorf(ErrMalformedPayload, "welcome without conversation id")
		}
		ev := &WelcomeEvent{ConvID: w.ConvID, SenderKey: w.SenderKey, Envelope: env}
		for _, sub := range w.Backlog {
			subev, err := DecodeEvent(sub)
			if err != nil {
				return nil, err
			}
			if subev.Kind() == EventWelcome {
				return nil, Errorf(ErrMalformedPayload, "nested welcome in backlog of %s", w.ConvID)
			}
			ev.Backlog = append(ev.Backlog, subev)
		}
		return ev, nil
	case EventJoin:
		if w.ConvID == "" || w.Invitee == "" {
			return nil, Errorf(ErrMalformedPayload, "join without conversation id or invitee")
		}
		return &JoinEvent{ConvID: w.ConvID, SenderKey: w.SenderKey, Invitee: w.Invitee, Envelope: env}, nil
	case EventMessage:
		if w.ConvID == "" || w.SenderKey == "" {
			return nil, Errorf(ErrMalformedPayload, "message without conversation id or sender")
		}
		return &MessageEvent{ConvID: w.ConvID, SenderKey: w.SenderKey, ReceivedAt: w.ReceivedAt, Envelope: env}, nil
	case EventMeta:
		if w.ConvID == "" || w.SenderKey == "" {
			return nil, Errorf(ErrMalformedPayload, "meta without conversation id or sender")
		}
		return &MetaEvent{ConvID: w.ConvID, SenderKey: w.SenderKey, Seq: w.Seq, Envelope: env}, nil
	case EventContactRequest:
		if w.SenderRootKey == "" {
			return nil, Errorf(ErrMalformedPayload, "contact request without sender")
		}
		return &ContactRequestEvent{SenderRootKey: w.SenderRootKey, SenderKey: w.SenderKey,
			ReceivedAt: w.ReceivedAt, Envelope: env}, nil
	case EventOutgoingContact:
		if w.PeerRootKey == "" {
			return nil, Errorf(ErrMalformedPayload, "outgoing contact without peer")
		}
		return &OutgoingContactEvent{PeerRootKey: w.PeerRootKey, PeerServer: w.PeerServer,
			PeerSelfIdent: w.PeerSelfIdent, Message: w.Message}, nil
	case EventContactReject:
		if w.PeerRootKey == "" {
			return nil, Errorf(ErrMalformedPayload, "contact reject without peer")
		}
		return &ContactRejectEvent{PeerRootKey: w.PeerRootKey, Suppress: w.Suppress}, nil
	}

	return nil, Errorf(ErrMalformedPayload, "unknown event type '%s'", w.Type)
}

// EncodeEvent serializes an event including the type discriminator.
func EncodeEvent(ev Event) ([]byte, error) {
	w := wireEvent{Type: ev.Kind()}
	switch e := ev.(type) {
	case *WelcomeEvent:
		w.ConvID, w.SenderKey, w.Nonce, w.Boxed = e.ConvID, e.SenderKey, e.Nonce, e.Boxed
		for _, sub := range e.Backlog {
			raw, err := EncodeEvent(sub)
			if err != nil {
				return nil, err
			}
			w.Backlog = append(w.Backlog, raw)
		}
	case *JoinEvent:
		w.ConvID, w.SenderKey, w.Invitee, w.Nonce, w.Boxed = e.ConvID, e.SenderKey, e.Invitee, e.Nonce, e.Boxed
	case *MessageEvent:
		w.ConvID, w.SenderKey, w.ReceivedAt, w.Nonce, w.Boxed = e.ConvID, e.SenderKey, e.ReceivedAt, e.Nonce, e.Boxed
	case *MetaEvent:
		w.ConvID, w.SenderKey, w.Seq, w.Nonce, w.Boxed = e.ConvID, e.SenderKey, e.Seq, e.Nonce, e.Boxed
	case *ContactRequestEvent:
		w.SenderRootKey, w.SenderKey, w.ReceivedAt, w.Nonce, w.Boxed = e.SenderRootKey, e.SenderKey, e.ReceivedAt, e.Nonce, e.Boxed
	case *OutgoingContactEvent:
		w.PeerRootKey, w.PeerServer, w.PeerSelfIdent, w.Message = e.PeerRootKey, e.PeerServer, e.PeerSelfIdent, e.Message
	case *ContactRejectEvent:
		w.PeerRootKey, w.Suppress = e.PeerRootKey, e.Suppress
	}
	return json.Marshal(&w)
}
