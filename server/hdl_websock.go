/******************************************************************************
 *
 *  Description :
 *
 *    Handler of the replica websocket of a device.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deuxdrop/chat/server/logs"
	"github.com/deuxdrop/chat/server/replica/wsconn"
	"github.com/deuxdrop/chat/server/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow connections from any Origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

func serveWebSocket(wrt http.ResponseWriter, req *http.Request) {
	now := time.Now().UTC().Round(time.Millisecond)

	if req.Method != http.MethodGet {
		wrt.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(wrt).Encode(ErrMalformed("", now))
		logs.Err.Println("ws: Invalid HTTP method", req.Method)
		return
	}

	ws, err := upgrader.Upgrade(wrt, req, nil)
	if _, ok := err.(websocket.HandshakeError); ok {
		logs.Err.Println("ws: Not a websocket handshake")
		return
	} else if err != nil {
		logs.Err.Println("ws: failed to Upgrade ", err)
		return
	}

	sid := store.Store.GetUidString()
	conn := wsconn.New(ws, sid, globals.wsOpts)
	sess, count := globals.sessionStore.NewSession(conn, sid)
	if sess == nil {
		// Shutting down.
		ws.Close()
		return
	}

	if globals.useXForwardedFor {
		sess.remoteAddr = req.Header.Get("X-Forwarded-For")
		if !isRoutableIP(sess.remoteAddr) {
			sess.remoteAddr = ""
		}
	}
	if sess.remoteAddr == "" {
		sess.remoteAddr = req.RemoteAddr
	}

	logs.Info.Println("ws: session started", sess.sid, sess.remoteAddr, count)

	// Do work in goroutines to return from serveWebSocket() to release file pointers.
	// Otherwise "too many open files" will happen.
	go conn.WriteLoop()
	go func() {
		conn.ReadLoop(sess.dispatchRaw)
		sess.cleanUp()
		count := globals.sessionStore.Delete(sess)
		logs.Info.Println("ws: session stopped", sess.sid, count)
	}()
}

// isRoutableIP checks if the first address in X-Forwarded-For is a public one.
func isRoutableIP(ipStr string) bool {
	if i := strings.IndexByte(ipStr, ','); i >= 0 {
		ipStr = ipStr[:i]
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	return !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsUnspecified() && !ip.IsLinkLocalUnicast()
}
