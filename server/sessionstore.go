/******************************************************************************
 *
 *  Description :
 *
 *  Registry of live device sessions.
 *
 *****************************************************************************/

package main

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/deuxdrop/chat/server/logs"
	"github.com/deuxdrop/chat/server/store"
)

// SessionStore holds live sessions indexed by session ID.
type SessionStore struct {
	lock sync.Mutex

	sessCache map[string]*Session
	// Sessions attached to a device, by user root key.
	byUser map[string]map[string]*Session
	// Set by Shutdown. No new sessions afterwards.
	closed bool
}

// NewSession creates a new session writing to out and saves it to the session store.
// Returns nil after Shutdown.
func (ss *SessionStore) NewSession(out outbound, sid string) (*Session, int) {
	s := &Session{sid: sid, out: out}
	if globals.sessionRate > 0 {
		s.limiter = rate.NewLimiter(globals.sessionRate, globals.sessionBurst)
	}
	if s.sid == "" {
		s.sid = store.Store.GetUidString()
	}

	ss.lock.Lock()
	defer ss.lock.Unlock()

	if ss.closed {
		return nil, len(ss.sessCache)
	}
	ss.sessCache[s.sid] = s
	return s, len(ss.sessCache)
}

// Get fetches a session from store by session ID.
func (ss *SessionStore) Get(sid string) *Session {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	return ss.sessCache[sid]
}

// Delete removes session from store.
func (ss *SessionStore) Delete(s *Session) int {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	delete(ss.sessCache, s.sid)
	if sessions := ss.byUser[s.user]; sessions != nil {
		delete(sessions, s.sid)
		if len(sessions) == 0 {
			delete(ss.byUser, s.user)
		}
	}
	return len(ss.sessCache)
}

// Attach records that the session acts for the user.
func (ss *SessionStore) Attach(s *Session, user string) {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	if _, ok := ss.sessCache[s.sid]; !ok {
		return
	}
	sessions := ss.byUser[user]
	if sessions == nil {
		sessions = make(map[string]*Session)
		ss.byUser[user] = sessions
	}
	sessions[s.sid] = s
}

// ForUser returns the attached sessions of the user.
func (ss *SessionStore) ForUser(user string) []*Session {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	var out []*Session
	for _, s := range ss.byUser[user] {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (ss *SessionStore) Count() int {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	return len(ss.sessCache)
}

// Shutdown tells every device the server is going away and closes the sockets.
func (ss *SessionStore) Shutdown() {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	ss.closed = true
	shutdown := NoErrShutdown(time.Now().UTC().Round(time.Millisecond))
	for _, s := range ss.sessCache {
		s.queueOut(shutdown)
		s.out.Close()
	}

	logs.Info.Printf("SessionStore shut down, sessions terminated: %d", len(ss.sessCache))
}

// NewSessionStore initializes a session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessCache: make(map[string]*Session),
		byUser:    make(map[string]map[string]*Session),
	}
}
