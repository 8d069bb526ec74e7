package main

/******************************************************************************
 *
 *  Description :
 *    Messages exchanged between a device and the server over the replica
 *    websocket.
 *
 *****************************************************************************/

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/deuxdrop/chat/server/notify"
	"github.com/deuxdrop/chat/server/pipeline"
	"github.com/deuxdrop/chat/server/replica"
	"github.com/deuxdrop/chat/server/store/types"
)

// MsgClientHello binds the websocket to a registered device of a hosted user.
type MsgClientHello struct {
	Id string `json:"id,omitempty"`
	// Root key of the user.
	User string `json:"user"`
	// Client key of the device.
	Client string `json:"client"`
	// Resume the zombie connection with the counters below instead of starting over.
	Resume bool   `json:"resume,omitempty"`
	Sent   uint64 `json:"sent,omitempty"`
	Acked  uint64 `json:"acked,omitempty"`
}

// MsgClientAck acknowledges the replica block in flight.
type MsgClientAck struct {
	Id string `json:"id,omitempty"`
}

// MsgClientQuery issues a tracked query.
type MsgClientQuery struct {
	Id  string           `json:"id,omitempty"`
	Ns  notify.Namespace `json:"ns"`
	Def notify.QueryDef  `json:"def"`
}

// MsgClientKill kills a tracked query.
type MsgClientKill struct {
	Id    string `json:"id,omitempty"`
	Query string `json:"query"`
}

// MsgClientEvent is a local action of the user, e.g. adding a contact.
type MsgClientEvent struct {
	Id    string          `json:"id,omitempty"`
	Event json.RawMessage `json:"event"`
}

// ClientComMessage is a wrapper for device to server messages. Exactly one field is set.
type ClientComMessage struct {
	Hello *MsgClientHello `json:"hello,omitempty"`
	Ack   *MsgClientAck   `json:"ack,omitempty"`
	Query *MsgClientQuery `json:"query,omitempty"`
	Kill  *MsgClientKill  `json:"kill,omitempty"`
	Event *MsgClientEvent `json:"event,omitempty"`

	// Message ID, copied from the set field.
	Id string `json:"-"`
	// Timestamp when this message was received by the server.
	Timestamp time.Time `json:"-"`
}

// MsgServerCtrl is a response to a device request.
type MsgServerCtrl struct {
	Id     string `json:"id,omitempty"`
	Params any    `json:"params,omitempty"`

	Code      int       `json:"code"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// ServerComMessage is a wrapper for server to device messages. Exactly one field is set.
type ServerComMessage struct {
	Ctrl *MsgServerCtrl `json:"ctrl,omitempty"`
	// Replica block with its delivery sequence, as queued for the device.
	Block json.RawMessage `json:"block,omitempty"`
	// Update of the tracked queries.
	Frame *notify.Frame `json:"frame,omitempty"`
	// Messages the user has not seen yet.
	NewMessages *MsgServerNewMessages `json:"newMessages,omitempty"`
}

// MsgServerNewMessages lists unseen messages of a conversation by sequence number.
type MsgServerNewMessages struct {
	Conv string  `json:"conv"`
	Seqs []int64 `json:"seqs"`
}

// decodeClientMessage parses a device message and checks that exactly one request is set.
func decodeClientMessage(raw []byte, now time.Time) (*ClientComMessage, error) {
	var msg ClientComMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}

	set := 0
	if msg.Hello != nil {
		set++
		msg.Id = msg.Hello.Id
	}
	if msg.Ack != nil {
		set++
		msg.Id = msg.Ack.Id
	}
	if msg.Query != nil {
		set++
		msg.Id = msg.Query.Id
	}
	if msg.Kill != nil {
		set++
		msg.Id = msg.Kill.Id
	}
	if msg.Event != nil {
		set++
		msg.Id = msg.Event.Id
	}
	if set != 1 {
		return nil, errors.New("exactly one request per message expected")
	}

	msg.Timestamp = now
	return &msg, nil
}

// Generators of server-side {ctrl} messages.

// NoErr indicates successful completion (200).
func NoErr(id string, ts time.Time) *ServerComMessage {
	return NoErrParams(id, ts, nil)
}

// NoErrParams indicates successful completion with additional parameters (200).
func NoErrParams(id string, ts time.Time, params any) *ServerComMessage {
	return ctrl(id, http.StatusOK, "ok", ts, params)
}

// NoErrResync means the zombie connection could not be resumed and delivery restarted
// from the head of the queue (205).
func NoErrResync(id string, ts time.Time) *ServerComMessage {
	return ctrl(id, http.StatusResetContent, "resync", ts, nil)
}

// NoErrShutdown means the server is going away (205).
func NoErrShutdown(ts time.Time) *ServerComMessage {
	return ctrl("", http.StatusResetContent, "server shutdown", ts, nil)
}

// ErrMalformed means the request is garbage (400).
func ErrMalformed(id string, ts time.Time) *ServerComMessage {
	return ctrl(id, http.StatusBadRequest, "malformed", ts, nil)
}

// ErrAttachFirst means hello must come before other requests (409).
func ErrAttachFirst(id string, ts time.Time) *ServerComMessage {
	return ctrl(id, http.StatusConflict, "must attach first", ts, nil)
}

// ErrCommandOutOfSequence means a repeated hello or an ack with nothing in flight (409).
func ErrCommandOutOfSequence(id string, ts time.Time) *ServerComMessage {
	return ctrl(id, http.StatusConflict, "command out of sequence", ts, nil)
}

// ErrNotFound means the referenced object is unknown (404).
func ErrNotFound(id string, ts time.Time) *ServerComMessage {
	return ctrl(id, http.StatusNotFound, "not found", ts, nil)
}

// ErrPermissionDenied means the device may not issue this request (403).
func ErrPermissionDenied(id string, ts time.Time) *ServerComMessage {
	return ctrl(id, http.StatusForbidden, "permission denied", ts, nil)
}

// ErrPolicy means the device sends requests faster than allowed (429).
func ErrPolicy(id string, ts time.Time) *ServerComMessage {
	return ctrl(id, http.StatusTooManyRequests, "too many requests", ts, nil)
}

// ErrUnknown is an unclassified server error (500).
func ErrUnknown(id string, ts time.Time) *ServerComMessage {
	return ctrl(id, http.StatusInternalServerError, "internal error", ts, nil)
}

// ErrServiceUnavailable means the server is shutting down or overloaded (503).
func ErrServiceUnavailable(id string, ts time.Time) *ServerComMessage {
	return ctrl(id, http.StatusServiceUnavailable, "service unavailable", ts, nil)
}

// decodeStoreError converts a task or delivery error to a {ctrl} message.
func decodeStoreError(err error, id string, ts time.Time) *ServerComMessage {
	if err == nil {
		return NoErr(id, ts)
	}

	switch {
	case errors.Is(err, replica.ErrUnknownClient):
		return ErrNotFound(id, ts)
	case errors.Is(err, replica.ErrNothingInflight):
		return ErrCommandOutOfSequence(id, ts)
	case errors.Is(err, pipeline.ErrStopped):
		return ErrServiceUnavailable(id, ts)
	}

	code, text := http.StatusInternalServerError, "internal error"
	switch types.Classify(err) {
	case types.ErrMalformedPayload, types.ErrBadBox, types.ErrBadSignature:
		code, text = http.StatusBadRequest, "malformed"
	case types.ErrUnauthorizedUser, types.ErrUnauthorizedUserDataLeak:
		code, text = http.StatusForbidden, "permission denied"
	case types.ErrAlreadyHappened:
		code, text = http.StatusNotModified, "already happened"
	case types.ErrMissingPrereqFatal:
		code, text = http.StatusNotFound, "not found"
	case types.ErrApparentRaceMaybeLater, types.ErrApparentOutageMaybeLater:
		code, text = http.StatusServiceUnavailable, "try later"
	case types.ErrNotYetAuthorized:
		code, text = http.StatusAccepted, "not yet authorized"
	}
	return ctrl(id, code, text, ts, nil)
}

func ctrl(id string, code int, text string, ts time.Time, params any) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      code,
		Text:      text,
		Params:    params,
		Timestamp: ts,
	}}
}
