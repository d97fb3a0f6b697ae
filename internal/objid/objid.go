// Package objid generates and encodes ObjId values: a fixed-width
// identifier whose leading bytes are a prefix-free encoding of the
// owning object type's storage id and whose remaining bytes are a
// cryptographically random suffix. Total width is fixed so the external
// hexadecimal form is a constant-length string, as spec.md §6 requires.
package objid

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Width is the total fixed byte width of an ObjId.
const Width = 16

// maxPrefixLen bounds how many bytes the type-storage-id prefix may take,
// leaving at least 8 random bytes for the suffix — enough that collisions
// are astronomically unlikely within one type's id space, matching
// spec.md §4.3.
const maxPrefixLen = Width - 8

// ID is the fixed-width object identifier. Byte-wise comparison of two
// IDs matches spec.md's "ObjId ordering is lexicographic over the
// encoded bytes".
type ID [Width]byte

// EncodeTypePrefix produces a prefix-free encoding of a type storage id:
// a length marker followed by that many big-endian bytes. Prefix-free
// means no two distinct storage ids produce a prefix relationship, so a
// scan bounded by one type's encoded prefix returns exactly that type's
// subspace (spec.md §4.2).
func EncodeTypePrefix(typeStorageID uint32) ([]byte, error) {
	switch {
	case typeStorageID < 0xF0:
		return []byte{byte(typeStorageID)}, nil
	case typeStorageID <= 0xFFFF:
		return []byte{0xF0 | 2, byte(typeStorageID >> 8), byte(typeStorageID)}, nil
	default:
		return []byte{
			0xF0 | 4,
			byte(typeStorageID >> 24), byte(typeStorageID >> 16),
			byte(typeStorageID >> 8), byte(typeStorageID),
		}, nil
	}
}

// DecodeTypePrefix reverses EncodeTypePrefix, returning the storage id and
// the number of bytes consumed.
func DecodeTypePrefix(b []byte) (typeStorageID uint32, consumed int, err error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("objid: empty prefix")
	}
	if b[0] < 0xF0 {
		return uint32(b[0]), 1, nil
	}
	n := int(b[0] & 0x0F)
	if n != 2 && n != 4 {
		return 0, 0, fmt.Errorf("objid: invalid prefix length marker %#x", b[0])
	}
	if len(b) < 1+n {
		return 0, 0, fmt.Errorf("objid: truncated type prefix")
	}
	var v uint32
	for i := 0; i < n; i++ {
		v = v<<8 | uint32(b[1+i])
	}
	return v, 1 + n, nil
}

// New allocates a fresh ID for typeStorageID, retrying the random suffix
// against exists (a caller-supplied "is this id already present" check)
// up to maxAttempts times before giving up, matching spec.md's
// "rejected if already present (collision retry)".
func New(typeStorageID uint32, exists func(ID) bool) (ID, error) {
	const maxAttempts = 64

	prefix, err := EncodeTypePrefix(typeStorageID)
	if err != nil {
		return ID{}, err
	}
	if len(prefix) > maxPrefixLen {
		return ID{}, fmt.Errorf("objid: type storage id %d too large for %d-byte id", typeStorageID, Width)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		var id ID
		copy(id[:], prefix)
		if err := fillRandomSuffix(id[len(prefix):]); err != nil {
			return ID{}, err
		}
		if exists == nil || !exists(id) {
			return id, nil
		}
	}
	return ID{}, fmt.Errorf("objid: exhausted %d collision-retry attempts for type %d", maxAttempts, typeStorageID)
}

// fillRandomSuffix fills dst with cryptographically random bytes, drawing
// from google/uuid's random source (itself backed by crypto/rand).
func fillRandomSuffix(dst []byte) error {
	for len(dst) > 0 {
		u, err := uuid.NewRandom()
		if err != nil {
			return fmt.Errorf("objid: random source failed: %w", err)
		}
		n := copy(dst, u[:])
		dst = dst[n:]
	}
	return nil
}

// TypeID extracts the owning type's storage id from the leading prefix.
func (id ID) TypeID() (uint32, error) {
	v, _, err := DecodeTypePrefix(id[:])
	return v, err
}

// String renders the fixed-width hexadecimal external form.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Parse accepts exactly a Width*2-character hexadecimal string, matching
// spec.md §6's "parser accepts exactly that width".
func Parse(s string) (ID, error) {
	if len(s) != Width*2 {
		return ID{}, fmt.Errorf("objid: invalid external form length %d, want %d", len(s), Width*2)
	}
	var id ID
	n, err := hex.Decode(id[:], []byte(s))
	if err != nil || n != Width {
		return ID{}, fmt.Errorf("objid: invalid hexadecimal external form %q", s)
	}
	return id, nil
}

// Compare provides a total order matching byte-wise key ordering.
func Compare(a, b ID) int {
	for i := 0; i < Width; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Random returns an ID whose every byte is random: it carries no type
// prefix and, unlike New, performs no collision check.
func Random() (ID, error) {
	var id ID
	if err := fillRandomSuffix(id[:]); err != nil {
		return ID{}, err
	}
	return id, nil
}
