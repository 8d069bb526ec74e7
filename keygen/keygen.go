// Command keygen generates the keys of a hosted user. The output is an entry of the
// "users" array of the server config.
package main

import (
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/deuxdrop/chat/server/crypto"
)

// userEntry mirrors the "users" entry of the server config.
type userEntry struct {
	BoxSecret string        `json:"box_secret"`
	SignSeed  string        `json:"sign_seed"`
	Clients   []clientEntry `json:"clients"`
}

type clientEntry struct {
	Key  string `json:"key"`
	Name string `json:"name,omitempty"`
}

func main() {
	var client = flag.String("client", "", "Client key of the first device of the user")
	var name = flag.String("name", "", "Name of the device")
	var validate = flag.String("validate", "", "JSON of a users entry to validate")

	flag.Parse()

	if *validate != "" {
		os.Exit(check(os.Stdout, *validate))
	}
	os.Exit(generate(os.Stdout, rand.Reader, *client, *name))
}

// generate writes a new users entry followed by the public keys.
func generate(out io.Writer, random io.Reader, client, name string) int {
	var boxSecret, signSeed [32]byte
	if _, err := io.ReadFull(random, boxSecret[:]); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to generate keys:", err)
		return 1
	}
	if _, err := io.ReadFull(random, signSeed[:]); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to generate keys:", err)
		return 1
	}
	ring, err := crypto.NewKeyring(boxSecret[:], signSeed[:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to generate keys:", err)
		return 1
	}

	entry := userEntry{
		BoxSecret: crypto.EncodeKey(boxSecret[:]),
		SignSeed:  crypto.EncodeKey(signSeed[:]),
		Clients:   []clientEntry{},
	}
	if client != "" {
		entry.Clients = append(entry.Clients, clientEntry{Key: client, Name: name})
	}
	raw, _ := json.MarshalIndent(&entry, "", "  ")
	fmt.Fprintf(out, "%s\n// root key: %s\n// tell key: %s\n", raw, ring.RootKey(), ring.BoxKey())
	return 0
}

// check parses a users entry and prints its public keys.
func check(out io.Writer, raw string) int {
	var entry userEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		fmt.Fprintln(out, "invalid: ", err)
		return 1
	}
	boxSecret, err := crypto.DecodeKey(entry.BoxSecret, 32)
	if err != nil {
		fmt.Fprintln(out, "invalid box_secret: ", err)
		return 1
	}
	signSeed, err := crypto.DecodeKey(entry.SignSeed, 32)
	if err != nil {
		fmt.Fprintln(out, "invalid sign_seed: ", err)
		return 1
	}
	ring, err := crypto.NewKeyring(boxSecret, signSeed)
	if err != nil {
		fmt.Fprintln(out, "invalid: ", err)
		return 1
	}
	fmt.Fprintf(out, "valid, root key: %s, tell key: %s\n", ring.RootKey(), ring.BoxKey())
	return 0
}
