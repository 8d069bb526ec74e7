/******************************************************************************
 *
 *  Description :
 *
 *  Handling of device requests received over the replica websocket.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/deuxdrop/chat/server/logs"
	"github.com/deuxdrop/chat/server/notify"
	"github.com/deuxdrop/chat/server/pipeline"
	"github.com/deuxdrop/chat/server/replica"
	"github.com/deuxdrop/chat/server/store/types"
)

// outbound is what a session writes to: the websocket connection.
type outbound interface {
	Send(data []byte) error
	Close() error
}

// Session is a websocket connection of one device. All handlers except the frame sink and
// the event outcomes run on the read loop goroutine.
type Session struct {
	sid string
	out outbound

	// IP address of the device.
	remoteAddr string
	// Nil means unlimited.
	limiter *rate.Limiter

	// Set by hello.
	user    string
	client  string
	replica *replica.ClientConn
	proc    *pipeline.UserMessageProcessor

	// Created by the first query.
	queries *notify.QuerySource
	handles map[string]*notify.QueryHandle
}

// queueOut serializes the message and queues it for the write loop. Returns false if the
// device does not keep up or is gone.
func (s *Session) queueOut(msg *ServerComMessage) bool {
	if s == nil {
		return true
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logs.Err.Println("s.queueOut: failed to serialize", s.sid, err)
		return false
	}
	if err = s.out.Send(data); err != nil {
		logs.Warn.Println("s.queueOut: session's send queue full or closed", s.sid, err)
		return false
	}
	return true
}

// blockTransport wraps replica blocks for the device websocket. It implements
// replica.Transport.
type blockTransport struct {
	sess *Session
}

func (t blockTransport) Send(data []byte) error {
	raw, err := json.Marshal(&ServerComMessage{Block: data})
	if err != nil {
		return err
	}
	return t.sess.out.Send(raw)
}

func (t blockTransport) Close() error {
	return t.sess.out.Close()
}

// onFrame is the query source sink. Called by the user pipeline after every batch.
func (s *Session) onFrame(_ *notify.QuerySource, frame *notify.Frame) {
	s.queueOut(&ServerComMessage{Frame: frame})
}

func (s *Session) dispatchRaw(raw []byte) {
	now := time.Now().UTC().Round(time.Millisecond)
	if s.limiter != nil && !s.limiter.Allow() {
		s.queueOut(ErrPolicy("", now))
		return
	}
	msg, err := decodeClientMessage(raw, now)
	if err != nil {
		logs.Warn.Println("s.dispatch", err, s.sid)
		s.queueOut(ErrMalformed("", now))
		return
	}
	s.dispatch(msg)
}

func (s *Session) dispatch(msg *ClientComMessage) {
	if msg.Hello == nil && s.replica == nil {
		s.queueOut(ErrAttachFirst(msg.Id, msg.Timestamp))
		return
	}

	switch {
	case msg.Hello != nil:
		s.hello(msg)
	case msg.Ack != nil:
		s.ack(msg)
	case msg.Query != nil:
		s.query(msg)
	case msg.Kill != nil:
		s.kill(msg)
	case msg.Event != nil:
		s.event(msg)
	}
}

// hello binds the session to a registered device and starts delivery of its queue.
func (s *Session) hello(msg *ClientComMessage) {
	req := msg.Hello
	if s.replica != nil {
		s.queueOut(ErrCommandOutOfSequence(msg.Id, msg.Timestamp))
		return
	}
	if req.User == "" || req.Client == "" {
		s.queueOut(ErrMalformed(msg.Id, msg.Timestamp))
		return
	}

	proc, err := globals.registry.Get(req.User)
	if err != nil {
		logs.Warn.Println("s.hello: unknown user", s.sid, req.User, err)
		s.queueOut(ErrPermissionDenied(msg.Id, msg.Timestamp))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), globals.requestTimeout)
	defer cancel()

	transport := blockTransport{sess: s}
	var conn *replica.ClientConn
	resync := false
	if req.Resume {
		if old := globals.delivery.Conn(req.Client); old != nil && old.User() != req.User {
			s.queueOut(ErrPermissionDenied(msg.Id, msg.Timestamp))
			return
		}
		conn, err = globals.delivery.Reattach(ctx, req.Client, transport, req.Sent, req.Acked)
		if errors.Is(err, replica.ErrResync) {
			resync, err = true, nil
		}
	}
	if conn == nil && err == nil {
		conn, err = globals.delivery.Connect(ctx, req.User, req.Client, transport)
	}
	if err != nil {
		if conn != nil {
			conn.Disconnect()
		}
		logs.Warn.Println("s.hello: failed to attach", s.sid, req.Client, err)
		s.queueOut(decodeStoreError(err, msg.Id, msg.Timestamp))
		return
	}

	s.user, s.client = req.User, req.Client
	s.replica, s.proc = conn, proc
	globals.sessionStore.Attach(s, s.user)
	logs.Info.Println("s.hello: attached", s.sid, s.client, "resync:", resync)

	if resync {
		s.queueOut(NoErrResync(msg.Id, msg.Timestamp))
	} else {
		s.queueOut(NoErr(msg.Id, msg.Timestamp))
	}
}

// ack consumes the replica block in flight. Replies only on failure or when asked to.
func (s *Session) ack(msg *ClientComMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), globals.requestTimeout)
	defer cancel()

	err := s.replica.Ack(ctx)
	if err != nil {
		logs.Warn.Println("s.ack:", s.sid, err)
	}
	if err != nil || msg.Id != "" {
		s.queueOut(decodeStoreError(err, msg.Id, msg.Timestamp))
	}
}

func (s *Session) query(msg *ClientComMessage) {
	req := msg.Query
	if s.queries == nil {
		src, err := s.proc.King().RegisterNewQuerySource(s.sid, s.onFrame)
		if err != nil {
			logs.Err.Println("s.query: failed to register source", s.sid, err)
			s.queueOut(ErrUnknown(msg.Id, msg.Timestamp))
			return
		}
		s.queries = src
		s.handles = make(map[string]*notify.QueryHandle)
	}

	ctx, cancel := context.WithTimeout(context.Background(), globals.requestTimeout)
	defer cancel()

	handle, err := s.queries.NewTrackedQuery(ctx, req.Ns, req.Def)
	if err != nil {
		logs.Warn.Println("s.query:", s.sid, req.Ns, err)
		s.queueOut(ErrMalformed(msg.Id, msg.Timestamp))
		return
	}
	s.handles[handle.ID()] = handle

	s.queueOut(NoErrParams(msg.Id, msg.Timestamp, map[string]string{"query": handle.ID()}))
	if frame := s.proc.King().FlushSource(s.queries); frame != nil {
		s.queueOut(&ServerComMessage{Frame: frame})
	}
}

func (s *Session) kill(msg *ClientComMessage) {
	handle := s.handles[msg.Kill.Query]
	if handle == nil {
		s.queueOut(ErrNotFound(msg.Id, msg.Timestamp))
		return
	}
	handle.Kill()
	delete(s.handles, msg.Kill.Query)
	s.queueOut(NoErr(msg.Id, msg.Timestamp))
}

// event submits a local action of the user. The reply is sent when the task completes.
func (s *Session) event(msg *ClientComMessage) {
	ev, err := types.DecodeEvent(msg.Event.Event)
	if err != nil {
		s.queueOut(ErrMalformed(msg.Id, msg.Timestamp))
		return
	}
	// Conversation and contact request events arrive from the other servers only.
	switch ev.Kind() {
	case types.EventOutgoingContact, types.EventContactReject:
	default:
		s.queueOut(ErrPermissionDenied(msg.Id, msg.Timestamp))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), globals.taskTimeout)
	outcome, err := globals.runner.Submit(ctx, s.user, ev)
	if err != nil {
		cancel()
		s.queueOut(decodeStoreError(err, msg.Id, msg.Timestamp))
		return
	}

	go func() {
		defer cancel()
		out := <-outcome
		s.queueOut(decodeStoreError(out.Err, msg.Id, msg.Timestamp))
	}()
}

// notifyNewMessages tells the attached devices of the user about messages released at the
// end of an update phase.
func notifyNewMessages(user, convID string, msgs []notify.NewishMessage) {
	seqs := make([]int64, len(msgs))
	for i, m := range msgs {
		seqs[i] = m.Index
	}
	for _, s := range globals.sessionStore.ForUser(user) {
		s.queueOut(&ServerComMessage{NewMessages: &MsgServerNewMessages{Conv: convID, Seqs: seqs}})
	}
}

// cleanUp is called when the websocket is gone.
func (s *Session) cleanUp() {
	if s.queries != nil {
		s.queries.Retire()
	}
	if s.replica != nil {
		s.replica.Disconnect()
	}
}
