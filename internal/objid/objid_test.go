package objid

import "testing"

func TestTypePrefixRoundTrip(t *testing.T) {
	for _, id := range []uint32{0, 1, 200, 0xF0, 0xFFFF, 0x10000, 0xFFFFFFFF} {
		enc, err := EncodeTypePrefix(id)
		if err != nil {
			t.Fatalf("encode %d: %v", id, err)
		}
		got, n, err := DecodeTypePrefix(enc)
		if err != nil {
			t.Fatalf("decode %d: %v", id, err)
		}
		if got != id || n != len(enc) {
			t.Fatalf("round-trip mismatch for %d: got %d consumed %d want %d", id, got, n, len(enc))
		}
	}
}

func TestTypePrefixIsPrefixFree(t *testing.T) {
	a, _ := EncodeTypePrefix(5)
	b, _ := EncodeTypePrefix(5*256 + 3)
	if len(a) <= len(b) {
		for i := range a {
			if i < len(b) && a[i] != b[i] {
				return
			}
		}
		if len(a) <= len(b) {
			t.Fatalf("encoding of 5 (%v) is a prefix of encoding of %d (%v)", a, 5*256+3, b)
		}
	}
}

func TestNewAssignsTypePrefix(t *testing.T) {
	id, err := New(42, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := id.TypeID()
	if err != nil || got != 42 {
		t.Fatalf("got type id %d err %v, want 42", got, err)
	}
}

func TestNewRetriesOnCollision(t *testing.T) {
	seen := map[ID]bool{}
	calls := 0
	exists := func(candidate ID) bool {
		calls++
		if calls <= 2 {
			return true // force two retries
		}
		return seen[candidate]
	}
	id, err := New(7, exists)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 collision checks, got %d", calls)
	}
	seen[id] = true
}

func TestParseRejectsWrongLength(t *testing.T) {
	if _, err := Parse("abcd"); err == nil {
		t.Fatal("expected error for short external form")
	}
}

func TestStringParseRoundTrip(t *testing.T) {
	id, err := New(99, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := id.String()
	got, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if Compare(id, got) != 0 {
		t.Fatalf("round-trip mismatch: %v != %v", id, got)
	}
}

func TestCompareOrdersByTypePrefixFirst(t *testing.T) {
	low, _ := New(1, nil)
	high, _ := New(2, nil)
	if Compare(low, high) >= 0 {
		t.Fatalf("expected id of type 1 to sort before id of type 2")
	}
}
