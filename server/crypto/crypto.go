// Package crypto defines the boundary between the data engine and the public-key
// primitives. The engine never handles key material directly: envelopes are opened,
// authorizations checked and blocks signed through a Boundary.
package crypto

//go:generate mockgen -destination=mock_crypto/mock_crypto.go -package=mock_crypto github.com/deuxdrop/chat/server/crypto Boundary

// Boundary is the crypto service consumed by the task pipeline and replica delivery.
type Boundary interface {
	// OpenEnvelope returns the plaintext of an envelope boxed by senderKey to this server.
	// Fails with types.ErrBadBox if the box was tampered with or boxed to a different key.
	OpenEnvelope(boxed, nonce []byte, senderKey string) ([]byte, error)
	// SignedAuthorizationValid checks that blob is an authorization signed by rootKey
	// which is in force at ts (milliseconds). Malformed input is an error, not false.
	SignedAuthorizationValid(blob []byte, rootKey string, ts int64) (bool, error)
	// Sign signs the message with the user's root signing key.
	Sign(msg []byte) ([]byte, error)
	// Authorize issues an authorization of subjectKey signed with the root signing key,
	// valid starting at ts (milliseconds).
	Authorize(subjectKey string, ts int64) ([]byte, error)
}
