package overflow

import "encoding/binary"

// PrefixLen and InlineLen fix ku_string_t's layout from the original
// design: a 4-byte length-independent prefix (usable for ordering/equality
// checks without touching the overflow file) plus 8 bytes that hold either
// the rest of a short string inline or a packed overflow pointer.
const (
	PrefixLen = 4
	InlineLen = 8
	// MaxInlineLen is the longest string stored with no overflow-file
	// access at all (PrefixLen + InlineLen).
	MaxInlineLen = PrefixLen + InlineLen
)

// ShortString is the in-place representation of a string value: short
// strings are stored entirely inline, long strings carry a 4-byte prefix
// (for cheap comparisons) plus a pointer into the overflow file.
type ShortString struct {
	Len    uint32
	Prefix [PrefixLen]byte
	Suffix [InlineLen]byte // inline tail, or an encoded overflow pointer
}

// IsInline reports whether the value is stored entirely inside the struct.
func (s ShortString) IsInline() bool {
	return int(s.Len) <= MaxInlineLen
}

// NewInlineShortString builds a ShortString for a value known to fit
// entirely inline. Callers must check len(s) <= MaxInlineLen first.
func NewInlineShortString(s string) ShortString {
	var ss ShortString
	ss.Len = uint32(len(s))
	copy(ss.Prefix[:], s)
	if len(s) > PrefixLen {
		copy(ss.Suffix[:], s[PrefixLen:])
	}
	return ss
}

// InlineString reconstructs the original value of an inline ShortString.
// Only valid when IsInline() is true.
func (s ShortString) InlineString() string {
	buf := make([]byte, 0, s.Len)
	n := int(s.Len)
	if n > PrefixLen {
		buf = append(buf, s.Prefix[:]...)
		buf = append(buf, s.Suffix[:n-PrefixLen]...)
	} else {
		buf = append(buf, s.Prefix[:n]...)
	}
	return string(buf)
}

func (s *ShortString) setOverflowPtr(pageIdx uint32, posInPage uint32) {
	binary.LittleEndian.PutUint32(s.Suffix[0:4], pageIdx)
	binary.LittleEndian.PutUint32(s.Suffix[4:8], posInPage)
}

// OverflowPtr decodes the page index and in-page byte offset a non-inline
// ShortString's payload starts at.
func (s ShortString) OverflowPtr() (pageIdx uint32, posInPage uint32) {
	return binary.LittleEndian.Uint32(s.Suffix[0:4]), binary.LittleEndian.Uint32(s.Suffix[4:8])
}
