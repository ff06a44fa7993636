package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidOffset is returned when an explicit position is negative.
var ErrInvalidOffset = errors.New("streambridge: offset position must not be negative")

type offsetKind uint8

const (
	offsetLast offsetKind = iota
	offsetFirst
	offsetAt
)

// Offset is the starting point of a subscription within a stream. The zero
// value is Last.
type Offset struct {
	kind  offsetKind
	value int64
}

var (
	// First replays the entire stream history.
	First = Offset{kind: offsetFirst}
	// Last delivers only messages that arrive after the subscription started.
	Last = Offset{kind: offsetLast}
)

// At starts at an explicit transport-native position.
func At(position int64) Offset {
	return Offset{kind: offsetAt, value: position}
}

// IsFirst reports whether the offset replays the whole stream.
func (o Offset) IsFirst() bool { return o.kind == offsetFirst }

// IsLast reports whether the offset only follows new messages.
func (o Offset) IsLast() bool { return o.kind == offsetLast }

// Position returns the explicit position and true for offsets built with At.
func (o Offset) Position() (int64, bool) {
	if o.kind != offsetAt {
		return 0, false
	}
	return o.value, true
}

// Validate rejects At offsets with a negative position.
func (o Offset) Validate() error {
	if o.kind == offsetAt && o.value < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidOffset, o.value)
	}
	return nil
}

func (o Offset) String() string {
	switch o.kind {
	case offsetFirst:
		return "first"
	case offsetAt:
		return strconv.FormatInt(o.value, 10)
	default:
		return "last"
	}
}

// ParseOffset accepts "first", "last" or a non-negative integer position.
func ParseOffset(s string) (Offset, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "first":
		return First, nil
	case "", "last":
		return Last, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return Offset{}, fmt.Errorf("invalid offset %q: want first, last or a non-negative position", s)
	}
	return At(n), nil
}
