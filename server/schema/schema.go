// Package schema describes the persisted layout of the per-user data: table names,
// column families, cell names, index and queue names. The names are part of the
// on-disk contract.
package schema

import (
	"strconv"
	"strings"
)

// Tables.
const (
	TableConvs           = "convs"
	TablePeeps           = "peeps"
	TablePendingContacts = "pendingContacts"
	TableSuppressions    = "suppressions"
	TableUsers           = "users"
	TableClientQueues    = "clientQueues"
)

// Column families.
const (
	FamilyMeta = "m"
	FamilyData = "d"
)

// Families lists the column families declared by each table.
var Families = map[string][]string{
	TableConvs:           {FamilyMeta, FamilyData},
	TablePeeps:           {FamilyData},
	TablePendingContacts: {FamilyData},
	TableSuppressions:    {FamilyData},
	TableUsers:           {FamilyData},
}

// Conversation root cells.
const (
	// Invitation context.
	CellConvInvite = "m:i"
	// Count of entries in the conversation, i.e. the next sequence number.
	CellConvHighSeq = "m:m"
	// Race probe of the conversation creation.
	CellConvRace = "m:race"
	// Timestamp of the last join or message, milliseconds.
	CellConvActivity = "m:activity"

	convParticipantPrefix = "m:p"
	convPeerPrefix        = "m:r"
	convEntryPrefix       = "d:m"
	convMetaPrefix        = "d:meta"
	convNoncePrefix       = "d:n"
)

// Peep cells.
const (
	CellPeepSelfIdent = "d:selfIdent"
	CellPeepGraph     = "d:graph"
	CellPeepAuth      = "d:auth"
	CellPeepUnread    = "d:nunread"
	CellPeepConvs     = "d:nconvs"
	// Timestamp of the last message authored by the peep, milliseconds.
	CellPeepActivity = "d:lastActivity"
	CellPeepRace     = "d:race"
)

// Pending contact cells.
const (
	CellPendingOut  = "d:out"
	CellPendingIn   = "d:in"
	CellPendingRace = "d:race"
)

// CellSuppressionReason is the only cell of a suppression row.
const CellSuppressionReason = "d:reason"

// User cells.
const (
	CellUserTellKey = "d:tellKey"

	userClientPrefix = "d:c"
)

// Indices.
const (
	IndexConvsByPeep  = "byPeep"
	IndexConvsAll     = "all"
	IndexPeepsRecency = "recency"
	// Tell key to root key of a hosted user. String-valued: one entry per tell key.
	IndexUsersByTellKey = "byTellKey"
)

// ConvParticipant is the membership cell of the participant's tell key.
func ConvParticipant(tellKey string) string {
	return convParticipantPrefix + tellKey
}

// ConvPeer maps a participant's root key to the tell key it uses in the conversation.
func ConvPeer(rootKey string) string {
	return convPeerPrefix + rootKey
}

// PeerFromCell extracts the participant root key from the cell name made by ConvPeer.
func PeerFromCell(cell string) (string, bool) {
	if !strings.HasPrefix(cell, convPeerPrefix) {
		return "", false
	}
	return cell[len(convPeerPrefix):], true
}

// ConvParticipantPrefix is the common prefix of all membership cells.
func ConvParticipantPrefix() string {
	return convParticipantPrefix
}

// ConvEntry is the cell of the conversation entry with the given sequence number.
func ConvEntry(seq int64) string {
	return convEntryPrefix + strconv.FormatInt(seq, 10)
}

// EntrySeqFromCell extracts the sequence number from a conversation entry cell name.
func EntrySeqFromCell(cell string) (int64, bool) {
	if !strings.HasPrefix(cell, convEntryPrefix) {
		return 0, false
	}
	seq, err := strconv.ParseInt(cell[len(convEntryPrefix):], 10, 64)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

// ConvMeta is the per-participant metadata cell.
func ConvMeta(tellKey string) string {
	return convMetaPrefix + tellKey
}

// ConvNonce marks a message nonce as seen.
func ConvNonce(nonce string) string {
	return convNoncePrefix + nonce
}

// UserClient is the device registration cell of the client key.
func UserClient(clientKey string) string {
	return userClientPrefix + clientKey
}

// UserClientPrefix is the common prefix of device registration cells.
func UserClientPrefix() string {
	return userClientPrefix
}

// ClientKeyFromCell extracts the client key from the device registration cell name.
func ClientKeyFromCell(cell string) (string, bool) {
	if !strings.HasPrefix(cell, userClientPrefix) {
		return "", false
	}
	return cell[len(userClientPrefix):], true
}

// ParticipantFromCell extracts the tell key from the membership cell name.
func ParticipantFromCell(cell string) (string, bool) {
	if !strings.HasPrefix(cell, convParticipantPrefix) {
		return "", false
	}
	return cell[len(convParticipantPrefix):], true
}

// UserRow namespaces a row id by the owning user so that all users share the tables.
func UserRow(userRootKey, rowID string) string {
	return userRootKey + "/" + rowID
}

// SplitUserRow is the inverse of UserRow.
func SplitUserRow(row string) (userRootKey, rowID string, ok bool) {
	i := strings.IndexByte(row, '/')
	if i < 0 {
		return "", "", false
	}
	return row[:i], row[i+1:], true
}

// IndexParam namespaces an index parameter by the owning user.
func IndexParam(userRootKey, param string) string {
	return userRootKey + "/" + param
}

// ClientQueue is the queue key of the device.
func ClientQueue(clientKey string) string {
	return clientKey
}
