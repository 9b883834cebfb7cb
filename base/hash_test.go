package base

import "testing"

func TestRoutingKeyOfPrefersHashKey(t *testing.T) {
	got := RoutingKeyOf([]byte("h"), []byte("s"))
	if string(got) != "h" {
		t.Fatalf("want hashKey, got %q", got)
	}
	got = RoutingKeyOf(nil, []byte("s"))
	if string(got) != "s" {
		t.Fatalf("want sortKey fallback, got %q", got)
	}
}

func TestPartitionIndexOfRequiresPowerOfTwo(t *testing.T) {
	if _, err := PartitionIndexOf(123, 7); err == nil {
		t.Fatal("expected error for non-power-of-two partition count")
	}
	if _, err := PartitionIndexOf(123, 0); err == nil {
		t.Fatal("expected error for zero partition count")
	}
}

func TestPartitionIndexOfMasksDeterministically(t *testing.T) {
	key := []byte("user:42")
	h := Hash64(key)
	idx, err := PartitionIndexOf(h, 8)
	if err != nil {
		t.Fatal(err)
	}
	if idx < 0 || idx >= 8 {
		t.Fatalf("index %d out of range [0,8)", idx)
	}
	// Same key, same partition count: same index, every time.
	idx2, _ := PartitionIndexOf(Hash64(key), 8)
	if idx != idx2 {
		t.Fatalf("non-deterministic routing: %d != %d", idx, idx2)
	}
}

func TestCompositeSortKeyPacksLengthPrefixedHashKey(t *testing.T) {
	got, err := CompositeSortKey([]byte("user:42"), []byte("profile"))
	if err != nil {
		t.Fatal(err)
	}
	wantLen := 2 + len("user:42") + len("profile")
	if len(got) != wantLen {
		t.Fatalf("len = %d, want %d", len(got), wantLen)
	}
	if prefix := uint16(got[0])<<8 | uint16(got[1]); prefix != uint16(len("user:42")) {
		t.Fatalf("length prefix = %d, want %d", prefix, len("user:42"))
	}
	if string(got[2:2+len("user:42")]) != "user:42" {
		t.Fatalf("hashKey segment = %q", got[2:2+len("user:42")])
	}
	if string(got[2+len("user:42"):]) != "profile" {
		t.Fatalf("sortKey segment = %q", got[2+len("user:42"):])
	}
}

func TestCompositeSortKeyRejectsOversizeHashKey(t *testing.T) {
	if _, err := CompositeSortKey(make([]byte, 1<<16+1), nil); err == nil {
		t.Fatal("expected error for hashKey longer than 65535 bytes")
	}
}

func TestEndpointRoundTrip(t *testing.T) {
	ep, err := ParseEndpoint("10.0.0.2", 5678)
	if err != nil {
		t.Fatal(err)
	}
	if !ep.IsValid() {
		t.Fatal("parsed endpoint should be valid")
	}
	if got, want := ep.String(), "10.0.0.2:5678"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if InvalidEndpoint.IsValid() {
		t.Fatal("zero value must be invalid")
	}
	if ep == InvalidEndpoint {
		t.Fatal("real endpoint must not equal the sentinel")
	}
}
