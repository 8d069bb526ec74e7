package types

import (
	"testing"
)

func TestUidGeneratorInit(t *testing.T) {
	ug := &UidGenerator{}
	key := []byte("testkey1testkey2") // 16 bytes for XTEA

	if err := ug.Init(1, key); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if ug.seq == nil {
		t.Error("Snowflake generator should be initialized")
	}
	if ug.cipher == nil {
		t.Error("Cipher should be initialized")
	}

	// Already initialized generator is not reinitialized.
	oldSeq := ug.seq
	oldCipher := ug.cipher
	if err := ug.Init(3, key); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if ug.seq != oldSeq {
		t.Error("Snowflake generator should not be reinitialized")
	}
	if ug.cipher != oldCipher {
		t.Error("Cipher should not be reinitialized")
	}
}

func TestUidGeneratorInitWithInvalidKey(t *testing.T) {
	ug := &UidGenerator{}
	if err := ug.Init(1, []byte("short")); err == nil {
		t.Error("Expected error with short key")
	}
	if err := ug.Init(1, nil); err == nil {
		t.Error("Expected error with nil key")
	}
}

func TestUidGeneratorGet(t *testing.T) {
	ug := &UidGenerator{}
	if err := ug.Init(1, []byte("testkey1testkey2")); err != nil {
		t.Fatalf("Failed to initialize generator: %v", err)
	}

	uids := make(map[Uid]bool)
	for i := 0; i < 1000; i++ {
		uid := ug.Get()
		if uid == ZeroUid {
			t.Fatalf("UID %d should not be zero", i)
		}
		if uids[uid] {
			t.Fatalf("Duplicate UID generated: %v", uid)
		}
		uids[uid] = true
	}
}

func TestUidGeneratorUninitialized(t *testing.T) {
	ug := &UidGenerator{}
	if uid := ug.Get(); uid != ZeroUid {
		t.Error("Expected ZeroUid from uninitialized generator")
	}
	if str := ug.GetStr(); str != "" {
		t.Error("Expected empty string from uninitialized generator")
	}
}

func TestUidStringRoundTrip(t *testing.T) {
	ug := &UidGenerator{}
	if err := ug.Init(7, []byte("testkey1testkey2")); err != nil {
		t.Fatal(err)
	}
	uid := ug.Get()
	str := uid.String()
	if len(str) != uidBase64Unpadded {
		t.Fatalf("Expected %d chars, got '%s'", uidBase64Unpadded, str)
	}
	if got := ParseUid(str); got != uid {
		t.Errorf("ParseUid: expected %d, got %d", uid, got)
	}
	if got := ParseUid("not-a-uid"); got != ZeroUid {
		t.Errorf("ParseUid of garbage: expected zero, got %d", got)
	}
}
