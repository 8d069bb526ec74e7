package main

import (
	"context"

	"github.com/deuxdrop/chat/server/logs"
	"github.com/deuxdrop/chat/server/pipeline"
)

// logRelay stands in for the message broker on a standalone server: requests are logged
// and dropped.
type logRelay struct{}

func (logRelay) AuthorizeSender(_ context.Context, userRootKey, peerRootKey, peerServer string, _ []byte) error {
	logs.Info.Printf("relay: %s authorizes %s@%s (not sent)", userRootKey, peerRootKey, peerServer)
	return nil
}

func (logRelay) SendContactRequest(_ context.Context, req *pipeline.ContactRequest) error {
	logs.Info.Printf("relay: contact request %s -> %s@%s (not sent)", req.From, req.To, req.Server)
	return nil
}
