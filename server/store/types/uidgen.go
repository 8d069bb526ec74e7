package types

import (
	"encoding/base64"
	"encoding/binary"
	"errors"

	sf "github.com/tinode/snowflake"
	"golang.org/x/crypto/xtea"
)

// Uid is a random-looking unique 64-bit identifier. Used for replica block ids,
// query source ids and other server-assigned names.
type Uid uint64

// ZeroUid is a zero value of Uid. Returned by the generator on failure.
const ZeroUid Uid = 0

// 8 bytes of data are always encoded as 11 bytes of unpadded base64.
const uidBase64Unpadded = 11

// IsZero checks if the Uid is zero.
func (uid Uid) IsZero() bool {
	return uid == 0
}

// String converts Uid to a URL-safe unpadded base64 string.
func (uid Uid) String() string {
	if uid.IsZero() {
		return ""
	}
	src := make([]byte, 8)
	binary.LittleEndian.PutUint64(src, uint64(uid))
	return base64.RawURLEncoding.EncodeToString(src)
}

// ParseUid parses a string produced by Uid.String. Returns ZeroUid on failure.
func ParseUid(s string) Uid {
	if len(s) != uidBase64Unpadded {
		return ZeroUid
	}
	dec, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(dec) != 8 {
		return ZeroUid
	}
	return Uid(binary.LittleEndian.Uint64(dec))
}

// UidGenerator holds snowflake and encryption parameters.
// Snowflake ids are sequential; encrypting them with XTEA makes them random-looking
// so block ids leak nothing about delivery order to other servers.
type UidGenerator struct {
	seq    *sf.SnowFlake
	cipher *xtea.Cipher
}

// Init initialises the Uid generator. Calling Init on an initialized generator is a no-op.
func (ug *UidGenerator) Init(workerID uint, key []byte) error {
	if len(key) != 16 {
		return errors.New("uidgen: key must be 16 bytes long")
	}

	var err error
	if ug.seq == nil {
		if ug.seq, err = sf.NewSnowFlake(uint32(workerID)); err != nil {
			return err
		}
	}
	if ug.cipher == nil {
		if ug.cipher, err = xtea.NewCipher(key); err != nil {
			return err
		}
	}

	return nil
}

// Get generates a unique weakly encrypted id so ids are random-looking.
func (ug *UidGenerator) Get() Uid {
	buf, err := ug.idBuffer()
	if err != nil {
		return ZeroUid
	}
	return Uid(binary.LittleEndian.Uint64(buf))
}

// GetStr generates a unique id then returns it as a base64-encoded string.
func (ug *UidGenerator) GetStr() string {
	return ug.Get().String()
}

// idBuffer returns a byte array holding the Uid bytes.
func (ug *UidGenerator) idBuffer() ([]byte, error) {
	if ug.seq == nil || ug.cipher == nil {
		return nil, errors.New("uidgen: not initialized")
	}

	id, err := ug.seq.Next()
	if err != nil {
		return nil, err
	}

	src := make([]byte, 8)
	dst := make([]byte, 8)
	binary.LittleEndian.PutUint64(src, id)
	ug.cipher.Encrypt(dst, src)

	return dst, nil
}
