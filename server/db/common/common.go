// Package common contains utility methods used by all adapters.
package common

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"

	t "github.com/deuxdrop/chat/server/store/types"
)

// ErrNotInteger is returned by IncrementCell when the existing cell value is not an integer.
var ErrNotInteger = errors.New("cell value is not an integer")

// ValidateCellName checks that the cell name has the 'family:qualifier' form.
func ValidateCellName(cell string) error {
	i := strings.IndexByte(cell, ':')
	if i <= 0 {
		return errors.New("invalid cell name '" + cell + "': missing column family")
	}
	return nil
}

// ValidateCells checks every cell name of the row.
func ValidateCells(cells t.Row) error {
	for name := range cells {
		if err := ValidateCellName(name); err != nil {
			return err
		}
	}
	return nil
}

// ScanLimit returns the effective number of entries to return from a scan: the smaller
// of the limit requested by the range and the adapter's configured maximum.
func ScanLimit(rng *t.ScanRange, maxResults int) int {
	limit := rng.MaxResults()
	if maxResults > 0 && (limit == 0 || limit > maxResults) {
		limit = maxResults
	}
	return limit
}

// PeekLimit clamps the number of queue items to return.
func PeekLimit(n, maxResults int) int {
	if n < 0 {
		return 0
	}
	if maxResults > 0 && n > maxResults {
		return maxResults
	}
	return n
}

// EncodeScore converts a score into 8 bytes which sort in DESCENDING score order when
// compared byte-wise. Used by ordered key/value backends to keep index entries in scan order.
func EncodeScore(score float64) []byte {
	bits := math.Float64bits(score)
	if bits&(1<<63) != 0 {
		// Negative: flip all bits.
		bits = ^bits
	} else {
		// Positive: flip the sign bit.
		bits |= 1 << 63
	}
	// Invert to get descending order.
	bits = ^bits
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bits)
	return buf
}

// DecodeScore is the inverse of EncodeScore.
func DecodeScore(buf []byte) float64 {
	bits := ^binary.BigEndian.Uint64(buf)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}
