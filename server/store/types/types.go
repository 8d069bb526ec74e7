// Package types defines the values stored in and returned by GenDb, the classified
// errors of the task pipeline, the inbound event variants and the replica block.
package types

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Value is a serialized (JSON) cell value. A nil Value means the cell is absent.
type Value []byte

// Absent is the value returned for cells which do not exist.
var Absent Value

// IsAbsent checks if the cell value is missing.
func (v Value) IsAbsent() bool {
	return v == nil
}

// NewValue serializes an arbitrary value.
func NewValue(x any) (Value, error) {
	if raw, ok := x.(json.RawMessage); ok {
		return Value(raw), nil
	}
	data, err := json.Marshal(x)
	if err != nil {
		return nil, err
	}
	return Value(data), nil
}

// MustValue is like NewValue but panics on failure. Use for values known to be serializable.
func MustValue(x any) Value {
	v, err := NewValue(x)
	if err != nil {
		panic("types: unserializable value: " + err.Error())
	}
	return v
}

// IntValue serializes an integer counter.
func IntValue(n int64) Value {
	return Value(strconv.AppendInt(nil, n, 10))
}

// Decode deserializes the value into dst.
func (v Value) Decode(dst any) error {
	if v.IsAbsent() {
		return json.Unmarshal([]byte("null"), dst)
	}
	return json.Unmarshal(v, dst)
}

// Int64 interprets the value as an integer counter. Absent value is 0.
// The second return value is false if the value is not an integer.
func (v Value) Int64() (int64, bool) {
	if v.IsAbsent() {
		return 0, true
	}
	n, err := strconv.ParseInt(string(bytes.TrimSpace(v)), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Equal compares two values byte by byte. Absent is distinct from an empty value.
func (v Value) Equal(other Value) bool {
	if v.IsAbsent() || other.IsAbsent() {
		return v.IsAbsent() && other.IsAbsent()
	}
	return bytes.Equal(v, other)
}

// MarshalJSON embeds the value as is.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsAbsent() {
		return []byte("null"), nil
	}
	return v, nil
}

// UnmarshalJSON copies the raw value. JSON null becomes Absent.
func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = nil
		return nil
	}
	*v = append((*v)[0:0], data...)
	return nil
}

// Row is a set of cells of a single row keyed by 'family:qualifier' cell name.
type Row map[string]Value

// Get returns the value of the cell or Absent.
func (r Row) Get(cell string) Value {
	if r == nil {
		return Absent
	}
	return r[cell]
}

// Merge returns a new row with cells of other applied on top of r.
func (r Row) Merge(other Row) Row {
	out := make(Row, len(r)+len(other))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// WithPrefix returns the cells which names start with prefix.
func (r Row) WithPrefix(prefix string) Row {
	out := Row{}
	for k, v := range r {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

// CellNames returns sorted cell names.
func (r Row) CellNames() []string {
	names := make([]string, 0, len(r))
	for k := range r {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Family returns the column family of the cell name, i.e. the part before ':'.
func Family(cell string) string {
	if i := strings.IndexByte(cell, ':'); i >= 0 {
		return cell[:i]
	}
	return ""
}

// IndexEntry is a single object in an index namespace.
type IndexEntry struct {
	Object string  `json:"object"`
	Score  float64 `json:"score"`
}

// SortIndexEntries sorts entries by descending score, ties broken by object name.
func SortIndexEntries(entries []IndexEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Object < entries[j].Object
	})
}

// ScanRange limits an index scan. Nil range or nil bounds mean the full range.
type ScanRange struct {
	// Lowest score to return.
	Low *float64
	// Highest score to return.
	High *float64
	// Exclude the Low bound itself.
	LowExclusive bool
	// Exclude the High bound itself.
	HighExclusive bool
	// Maximum number of entries to return, 0 for unlimited.
	Limit int
}

// Between is a convenience constructor for an inclusive range.
func Between(low, high float64) *ScanRange {
	return &ScanRange{Low: &low, High: &high}
}

// Contains checks if the score falls within the range.
func (r *ScanRange) Contains(score float64) bool {
	if r == nil {
		return true
	}
	if r.Low != nil {
		if score < *r.Low || (r.LowExclusive && score == *r.Low) {
			return false
		}
	}
	if r.High != nil {
		if score > *r.High || (r.HighExclusive && score == *r.High) {
			return false
		}
	}
	return true
}

// LowBound returns the effective lower bound, -Inf if not set.
func (r *ScanRange) LowBound() float64 {
	if r == nil || r.Low == nil {
		return math.Inf(-1)
	}
	return *r.Low
}

// HighBound returns the effective upper bound, +Inf if not set.
func (r *ScanRange) HighBound() float64 {
	if r == nil || r.High == nil {
		return math.Inf(1)
	}
	return *r.High
}

// MaxResults returns the limit or 0 for unlimited.
func (r *ScanRange) MaxResults() int {
	if r == nil || r.Limit < 0 {
		return 0
	}
	return r.Limit
}

// FilterIndexEntries sorts entries and applies the range and the limit.
func FilterIndexEntries(entries []IndexEntry, r *ScanRange) []IndexEntry {
	SortIndexEntries(entries)
	out := make([]IndexEntry, 0, len(entries))
	for _, e := range entries {
		if !r.Contains(e.Score) {
			continue
		}
		out = append(out, e)
		if limit := r.MaxResults(); limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
