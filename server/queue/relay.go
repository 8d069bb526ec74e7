package queue

import (
	"context"
	"encoding/json"

	"github.com/streadway/amqp"

	"github.com/deuxdrop/chat/server/pipeline"
)

// Request types.
const (
	TypeAuthorizeSender = "authorizeSender"
	TypeContactRequest  = "contactRequest"
)

// Request is the body of an outbound message.
type Request struct {
	Type string `json:"type"`
	// Root key of the hosted user.
	From string `json:"from"`
	// Root key of the peer.
	To      string `json:"to"`
	Server  string `json:"server"`
	Message string `json:"message,omitempty"`
	Auth    []byte `json:"auth,omitempty"`
}

// RoutingKey returns the routing key of the request: the target server, then the type.
func (r *Request) RoutingKey() string {
	return r.Server + "." + r.Type
}

// Relay publishes the requests of the pipelines to a topic exchange.
type Relay struct {
	ch       channel
	exchange string
}

// NewRelay creates a relay publishing to the exchange.
func (b *Broker) NewRelay(exchange string) *Relay {
	return &Relay{ch: b.ch, exchange: exchange}
}

// AuthorizeSender implements pipeline.Relay.
func (r *Relay) AuthorizeSender(ctx context.Context, userRootKey, peerRootKey, peerServer string, auth []byte) error {
	return r.publish(ctx, &Request{
		Type:   TypeAuthorizeSender,
		From:   userRootKey,
		To:     peerRootKey,
		Server: peerServer,
		Auth:   auth,
	})
}

// SendContactRequest implements pipeline.Relay.
func (r *Relay) SendContactRequest(ctx context.Context, req *pipeline.ContactRequest) error {
	return r.publish(ctx, &Request{
		Type:    TypeContactRequest,
		From:    req.From,
		To:      req.To,
		Server:  req.Server,
		Message: req.Message,
	})
}

func (r *Relay) publish(ctx context.Context, req *Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return r.ch.Publish(
		r.exchange,
		req.RoutingKey(),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Type:         req.Type,
			Body:         body,
			DeliveryMode: amqp.Persistent,
		})
}
