// Package ringhash implements a consistent ring hash used to pin every user to one
// pipeline lane: https://en.wikipedia.org/wiki/Consistent_hashing
package ringhash

import (
	"encoding/ascii85"
	"hash/crc32"
	"hash/fnv"
	"sort"
	"strconv"
)

// Hash is a signature of a hash function used by the package.
type Hash func(data []byte) uint32

type elem struct {
	key  string
	hash uint32
}

type sortable []elem

func (k sortable) Len() int      { return len(k) }
func (k sortable) Swap(i, j int) { k[i], k[j] = k[j], k[i] }
func (k sortable) Less(i, j int) bool {
	// Weak hash function may cause collisions.
	if k[i].hash != k[j].hash {
		return k[i].hash < k[j].hash
	}
	return k[i].key < k[j].key
}

// Ring maps arbitrary keys onto a set of bins such that adding a bin moves only
// the keys which land on the new bin.
type Ring struct {
	// Sorted list of bin replicas.
	keys []elem
	bins int

	signature string
	replicas  int
	hashfunc  Hash
}

// New initializes an empty ring with the given number of replicas per bin and a hash function.
// If the hash function is nil, crc32.ChecksumIEEE is used.
func New(replicas int, fn Hash) *Ring {
	if fn == nil {
		fn = crc32.ChecksumIEEE
	}
	return &Ring{replicas: replicas, hashfunc: fn}
}

// Len returns the number of replicas in the ring.
func (ring *Ring) Len() int {
	return len(ring.keys)
}

// Bins returns the number of bins added to the ring.
func (ring *Ring) Bins() int {
	return ring.bins
}

// Add adds bins to the ring.
func (ring *Ring) Add(bins ...string) {
	for _, bin := range bins {
		for i := 0; i < ring.replicas; i++ {
			ring.keys = append(ring.keys, elem{
				hash: ring.hashfunc([]byte(strconv.Itoa(i) + bin)),
				key:  bin})
		}
	}
	ring.bins += len(bins)
	sort.Sort(sortable(ring.keys))
	ring.signature = ring.sign()
}

func (ring *Ring) sign() string {
	hash := fnv.New128a()
	b := make([]byte, 4)
	for _, key := range ring.keys {
		b[0] = byte(key.hash)
		b[1] = byte(key.hash >> 8)
		b[2] = byte(key.hash >> 16)
		b[3] = byte(key.hash >> 24)
		hash.Write(b)
		hash.Write([]byte(key.key))
	}

	sum := hash.Sum(nil)
	dst := make([]byte, ascii85.MaxEncodedLen(len(sum)))
	ascii85.Encode(dst, sum)
	return string(dst)
}

// Get returns the bin of the key or an empty string if the ring is empty.
func (ring *Ring) Get(key string) string {
	if ring.Len() == 0 {
		return ""
	}

	hash := ring.hashfunc([]byte(key))

	// Binary search for appropriate replica.
	idx := sort.Search(len(ring.keys), func(i int) bool {
		el := ring.keys[i]
		return (el.hash > hash) || (el.hash == hash && el.key >= key)
	})

	// Means we have cycled back to the first replica.
	if idx == len(ring.keys) {
		idx = 0
	}

	return ring.keys[idx].key
}

// Signature returns the ring's hash signature. Two identical rings have the same
// signature. Rings with a different number of bins or replicas or different hash
// functions have different signatures.
func (ring *Ring) Signature() string {
	return ring.signature
}
