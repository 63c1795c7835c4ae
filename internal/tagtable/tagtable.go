// Package tagtable decodes the address-table dump produced by the collection
// pass into a Tag → Label map.
//
// A dump line qualifies when it starts with a space and splits into at least
// seven whitespace-separated fields. Fields 1–2 hold the tag and fields 3–4
// the label, each printed as byte-swapped hex groups of a little-endian word.
// All other lines are skipped.
package tagtable

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	ErrUnknownTag = errors.New("tagtable: unknown tag")
	ErrBadField   = errors.New("tagtable: bad hex field")
)

// minFields is the smallest field count of a qualifying dump line.
const minFields = 7

// UnknownTagError reports a lookup of a tag absent from the table.
type UnknownTagError struct {
	Tag uint64
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("tagtable: unknown tag %d", e.Tag)
}

func (e *UnknownTagError) Is(target error) bool { return target == ErrUnknownTag }

// Table maps tags to resolved virtual addresses. It is immutable once built.
type Table struct {
	labels map[uint64]uint64
}

// Read decodes a dump from r. Later entries for a tag overwrite earlier ones.
func Read(r io.Reader) (*Table, error) {
	t := &Table{labels: make(map[uint64]uint64)}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if !strings.HasPrefix(text, " ") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < minFields {
			continue
		}
		tag, err := DecodeWord(fields[1], fields[2])
		if err != nil {
			return nil, fmt.Errorf("tagtable: line %d: tag: %w", line, err)
		}
		label, err := DecodeWord(fields[3], fields[4])
		if err != nil {
			return nil, fmt.Errorf("tagtable: line %d: label: %w", line, err)
		}
		t.labels[tag] = label
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("tagtable: read: %w", err)
	}
	return t, nil
}

// FromMap builds a table from an already decoded mapping, for fixtures and
// callers that never see a raw dump.
func FromMap(m map[uint64]uint64) *Table {
	t := &Table{labels: make(map[uint64]uint64, len(m))}
	for k, v := range m {
		t.labels[k] = v
	}
	return t
}

// Resolve returns the label recorded for tag.
func (t *Table) Resolve(tag uint64) (uint64, error) {
	label, ok := t.labels[tag]
	if !ok {
		return 0, &UnknownTagError{Tag: tag}
	}
	return label, nil
}

// Len returns the number of tags in the table.
func (t *Table) Len() int { return len(t.labels) }

// DecodeWord recovers the big-endian hex digits of a word dumped as two
// byte-swapped fields: the fields are joined in reverse order, the whole
// string is reversed, and each two-character group is reversed back.
func DecodeWord(lo, hi string) (uint64, error) {
	joined := reverse(hi) + reverse(lo)
	if len(joined) == 0 || len(joined)%2 != 0 {
		return 0, fmt.Errorf("%w: %q %q", ErrBadField, lo, hi)
	}
	var b strings.Builder
	b.Grow(len(joined))
	for i := 0; i < len(joined); i += 2 {
		b.WriteByte(joined[i+1])
		b.WriteByte(joined[i])
	}
	v, err := strconv.ParseUint(b.String(), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q %q: %v", ErrBadField, lo, hi, err)
	}
	return v, nil
}

// EncodeWord is the inverse of DecodeWord for fields of width hex digits
// each. It renders dump rows for fixtures. Values that need more than
// 2*width digits are rejected.
func EncodeWord(v uint64, width int) (lo, hi string, err error) {
	if width <= 0 || width%2 != 0 {
		return "", "", fmt.Errorf("%w: width %d", ErrBadField, width)
	}
	digits := fmt.Sprintf("%0*x", 2*width, v)
	if len(digits) > 2*width {
		return "", "", fmt.Errorf("%w: 0x%x does not fit %d digits", ErrBadField, v, 2*width)
	}
	hi, lo = digits[:width], digits[width:]
	return swapPairs(lo), swapPairs(hi), nil
}

// reverse reverses an ASCII string.
func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

// swapPairs reverses the order of two-character groups in s.
func swapPairs(s string) string {
	var b strings.Builder
	for i := len(s) - 2; i >= 0; i -= 2 {
		b.WriteString(s[i : i+2])
	}
	return b.String()
}
