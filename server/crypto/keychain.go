package crypto

import (
	"errors"
	"sync"
)

// ErrUnknownUser is returned for users whose keys the server does not hold.
var ErrUnknownUser = errors.New("crypto: no keyring for user")

// Keychain holds the keyrings of the users hosted by this server, by root key.
type Keychain struct {
	mu    sync.RWMutex
	rings map[string]*Keyring
}

// NewKeychain creates an empty keychain.
func NewKeychain() *Keychain {
	return &Keychain{rings: map[string]*Keyring{}}
}

// Add adds a keyring. An existing keyring of the same user is replaced.
func (kc *Keychain) Add(k *Keyring) {
	kc.mu.Lock()
	kc.rings[k.RootKey()] = k
	kc.mu.Unlock()
}

// Users returns the root keys of all hosted users.
func (kc *Keychain) Users() []string {
	kc.mu.RLock()
	defer kc.mu.RUnlock()

	users := make([]string, 0, len(kc.rings))
	for root := range kc.rings {
		users = append(users, root)
	}
	return users
}

// Boundary returns the crypto boundary of the user.
func (kc *Keychain) Boundary(userRootKey string) (Boundary, error) {
	kc.mu.RLock()
	defer kc.mu.RUnlock()

	if k, ok := kc.rings[userRootKey]; ok {
		return k, nil
	}
	return nil, ErrUnknownUser
}
