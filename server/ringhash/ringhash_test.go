package ringhash_test

import (
	"fmt"
	"hash/crc32"
	"hash/fnv"
	"testing"

	"github.com/deuxdrop/chat/server/ringhash"
)

func TestLanes(t *testing.T) {
	ring := ringhash.New(3, crc32.ChecksumIEEE)
	ring.Add("lane0", "lane1", "lane2")

	// The ring contains:
	// lane0/0 =  385541440
	// lane1/0 =  741700829
	// lane2/0 =  866670537
	// lane0/1 = 1530020939
	// lane1/1 = 1644025302
	// lane1/2 = 2862679667
	// lane2/1 = 3040617831
	// lane0/2 = 3718657765
	// lane2/2 = 4176774252

	users := map[string]string{
		"alice": "lane1",
		"bob":   "lane2",
		"carol": "lane1",
		"dave":  "lane1",
		"erin":  "lane1",
		"frank": "lane1",
	}
	for k, v := range users {
		if n := ring.Get(k); n != v {
			t.Errorf("User '%s', expecting '%s', got '%s'", k, v, n)
		}
	}
	if ring.Bins() != 3 || ring.Len() != 9 {
		t.Errorf("unexpected size: %d bins, %d replicas", ring.Bins(), ring.Len())
	}

	// Only users which land on the new lane move.
	ring.Add("lane3")
	users["carol"] = "lane3"
	users["erin"] = "lane3"
	users["frank"] = "lane3"
	for k, v := range users {
		if n := ring.Get(k); n != v {
			t.Errorf("User '%s', expecting '%s', got '%s'", k, v, n)
		}
	}
}

func TestEmpty(t *testing.T) {
	if bin := ringhash.New(3, nil).Get("alice"); bin != "" {
		t.Errorf("empty ring returned '%s'", bin)
	}
}

func TestConsistency(t *testing.T) {
	ring1 := ringhash.New(3, nil)
	ring2 := ringhash.New(3, nil)

	ring1.Add("owl", "crow", "sparrow")
	ring2.Add("sparrow", "owl", "crow")

	if ring1.Get("duck") != ring2.Get("duck") {
		t.Errorf("'duck' should map to the same bin in both cases")
	}

	// These strings generate CRC32 collisions.
	ring1 = ringhash.New(1, crc32.ChecksumIEEE)
	ring2 = ringhash.New(1, crc32.ChecksumIEEE)

	ring1.Add("VXGD", "BGABAA", "VXGG", "BGABAB", "VXGF", "BGABAC")
	ring2.Add("BGABAA", "VXGD", "BGABAB", "VXGG", "BGABAC", "VXGF")

	str := []string{
		"datsam", "kGmVht", "dSPmEr", "RloWQr", "WFkAkG", "gLBNPX", "twEwll", "RnRdaf",
		"ruEMuJ", "ZvXJsJ", "xjQzKD", "CKfSFg", "BMKMvM", "PSzYdC", "CsxqTR", "IbzdXz",
	}
	for _, key := range str {
		if ring1.Get(key) != ring2.Get(key) {
			t.Errorf("'%s' should map to the same bin in both cases", key)
		}
	}
}

func TestSignature(t *testing.T) {
	fnvHashfunc := func(data []byte) uint32 {
		hash := fnv.New32a()
		hash.Write(data)
		return hash.Sum32()
	}

	tests := []struct {
		name      string
		r1, r2    *ringhash.Ring
		b1, b2    []string
		identical bool
	}{
		{"same bins, different order", ringhash.New(4, nil), ringhash.New(4, nil),
			[]string{"owl", "crow", "sparrow"}, []string{"sparrow", "owl", "crow"}, true},
		{"different replicas", ringhash.New(4, nil), ringhash.New(5, nil),
			[]string{"owl", "crow"}, []string{"owl", "crow"}, false},
		{"different bins", ringhash.New(4, nil), ringhash.New(4, nil),
			[]string{"owl", "crow"}, []string{"owl", "crow", "crane"}, false},
		{"different hash", ringhash.New(4, nil), ringhash.New(4, fnvHashfunc),
			[]string{"owl", "crow"}, []string{"owl", "crow"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.r1.Add(tc.b1...)
			tc.r2.Add(tc.b2...)
			if same := tc.r1.Signature() == tc.r2.Signature(); same != tc.identical {
				t.Errorf("signatures identical: %v, expected %v", same, tc.identical)
			}
		})
	}
}

func BenchmarkGet8(b *testing.B)  { benchmarkGet(b, 8) }
func BenchmarkGet64(b *testing.B) { benchmarkGet(b, 64) }

func benchmarkGet(b *testing.B, lanes int) {
	ring := ringhash.New(53, nil)
	for i := 0; i < lanes; i++ {
		ring.Add(fmt.Sprintf("lane%d", i))
	}

	users := make([]string, 256)
	for i := range users {
		users[i] = fmt.Sprintf("user=%d", i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ring.Get(users[i&255])
	}
}
