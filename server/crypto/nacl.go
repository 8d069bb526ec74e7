package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/deuxdrop/chat/server/store/types"
)

const nonceLen = 24

// Authorizations issued by Authorize are valid for this long.
const defaultAuthLifetime = 365 * 24 * time.Hour

// Authorization is the signed part of an authorization blob.
type Authorization struct {
	// Key which is being authorized.
	Subject string `json:"subject"`
	// Validity window, milliseconds.
	NotBefore int64 `json:"notBefore"`
	NotAfter  int64 `json:"notAfter"`
}

// signedBlob is the serialized authorization: the statement and its signature.
type signedBlob struct {
	Auth json.RawMessage `json:"auth"`
	Sig  []byte          `json:"sig"`
}

// Keyring is the NaCl reference implementation of Boundary. Box keys are curve25519,
// signing keys are ed25519. Public keys are exchanged as unpadded URL-safe base64.
type Keyring struct {
	boxPublic  *[32]byte
	boxSecret  *[32]byte
	signPublic ed25519.PublicKey
	signSecret ed25519.PrivateKey

	// AuthLifetime overrides the validity of issued authorizations.
	AuthLifetime time.Duration
}

// GenerateKeyring creates a keyring with fresh random keys.
func GenerateKeyring(random io.Reader) (*Keyring, error) {
	if random == nil {
		random = rand.Reader
	}
	boxPub, boxSec, err := box.GenerateKey(random)
	if err != nil {
		return nil, err
	}
	signPub, signSec, err := ed25519.GenerateKey(random)
	if err != nil {
		return nil, err
	}
	return &Keyring{boxPublic: boxPub, boxSecret: boxSec, signPublic: signPub, signSecret: signSec}, nil
}

// NewKeyring restores a keyring from a 32 byte box secret and a 32 byte ed25519 seed.
func NewKeyring(boxSecret, signSeed []byte) (*Keyring, error) {
	if len(boxSecret) != 32 || len(signSeed) != ed25519.SeedSize {
		return nil, errors.New("crypto: invalid key length")
	}
	pub, err := curve25519.X25519(boxSecret, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	k := &Keyring{boxSecret: new([32]byte), boxPublic: new([32]byte)}
	copy(k.boxSecret[:], boxSecret)
	copy(k.boxPublic[:], pub)
	k.signSecret = ed25519.NewKeyFromSeed(signSeed)
	k.signPublic = k.signSecret.Public().(ed25519.PublicKey)
	return k, nil
}

// EncodeKey converts a public key to its string form.
func EncodeKey(key []byte) string {
	return base64.RawURLEncoding.EncodeToString(key)
}

// DecodeKey parses a string produced by EncodeKey.
func DecodeKey(key string, size int) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return nil, err
	}
	if len(raw) != size {
		return nil, errors.New("crypto: invalid key length")
	}
	return raw, nil
}

// BoxKey is the public key envelopes for this keyring are boxed to.
func (k *Keyring) BoxKey() string {
	return EncodeKey(k.boxPublic[:])
}

// RootKey is the public signing key of this keyring.
func (k *Keyring) RootKey() string {
	return EncodeKey(k.signPublic)
}

// Seal boxes the plaintext to recipientKey. It is the counterpart of OpenEnvelope and
// is used by peers and tests to produce envelopes.
func (k *Keyring) Seal(plaintext []byte, recipientKey string) (boxed, nonce []byte, err error) {
	var peer [32]byte
	raw, err := DecodeKey(recipientKey, 32)
	if err != nil {
		return nil, nil, err
	}
	copy(peer[:], raw)

	var n [nonceLen]byte
	if _, err = io.ReadFull(rand.Reader, n[:]); err != nil {
		return nil, nil, err
	}
	return box.Seal(nil, plaintext, &n, &peer, k.boxSecret), n[:], nil
}

// OpenEnvelope implements Boundary.
func (k *Keyring) OpenEnvelope(boxed, nonce []byte, senderKey string) ([]byte, error) {
	if len(nonce) != nonceLen {
		return nil, types.Errorf(types.ErrBadBox, "invalid nonce length %d", len(nonce))
	}
	raw, err := DecodeKey(senderKey, 32)
	if err != nil {
		return nil, types.Wrap(types.ErrBadBox, err, "sender key")
	}

	var peer [32]byte
	var n [nonceLen]byte
	copy(peer[:], raw)
	copy(n[:], nonce)

	plain, ok := box.Open(nil, boxed, &n, &peer, k.boxSecret)
	if !ok {
		return nil, types.Errorf(types.ErrBadBox, "envelope from %s failed to open", senderKey)
	}
	return plain, nil
}

// SignedAuthorizationValid implements Boundary.
func (k *Keyring) SignedAuthorizationValid(blob []byte, rootKey string, ts int64) (bool, error) {
	pub, err := DecodeKey(rootKey, ed25519.PublicKeySize)
	if err != nil {
		return false, types.Wrap(types.ErrMalformedPayload, err, "root key")
	}

	var signed signedBlob
	if err = json.Unmarshal(blob, &signed); err != nil {
		return false, types.Wrap(types.ErrMalformedPayload, err, "authorization")
	}
	if len(signed.Sig) != ed25519.SignatureSize || len(signed.Auth) == 0 {
		return false, types.Errorf(types.ErrMalformedPayload, "authorization is incomplete")
	}

	var auth Authorization
	if err = json.Unmarshal(signed.Auth, &auth); err != nil {
		return false, types.Wrap(types.ErrMalformedPayload, err, "authorization statement")
	}

	if !ed25519.Verify(ed25519.PublicKey(pub), signed.Auth, signed.Sig) {
		return false, nil
	}
	return ts >= auth.NotBefore && ts <= auth.NotAfter, nil
}

// Sign implements Boundary.
func (k *Keyring) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(k.signSecret, msg), nil
}

// Authorize implements Boundary.
func (k *Keyring) Authorize(subjectKey string, ts int64) ([]byte, error) {
	lifetime := k.AuthLifetime
	if lifetime <= 0 {
		lifetime = defaultAuthLifetime
	}
	stmt, err := json.Marshal(&Authorization{
		Subject:   subjectKey,
		NotBefore: ts,
		NotAfter:  ts + lifetime.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(&signedBlob{Auth: stmt, Sig: ed25519.Sign(k.signSecret, stmt)})
}

// VerifySignature checks a signature produced by Sign.
func VerifySignature(rootKey string, msg, sig []byte) bool {
	pub, err := DecodeKey(rootKey, ed25519.PublicKeySize)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
