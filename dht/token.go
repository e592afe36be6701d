package dht

/*
Tokens and Ranges

Every partition key hashes to a Token on a signed 64-bit ring. A Range is the
half-open interval (Left, Right] walking the ring clockwise:

	Left <  Right  -> ordinary range
	Left >  Right  -> wraps past MaxToken back to MinToken
	Left == Right  -> the full ring

Bounds is the closed interval [First, Last] used to describe the tokens covered
by a data segment. Bounds never wrap.

Reference: https://github.com/apache/cassandra/blob/trunk/src/java/org/apache/cassandra/dht/Range.java
*/

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

type Token int64

const (
	MinToken Token = math.MinInt64
	MaxToken Token = math.MaxInt64
)

// TokenOf hashes a partition key onto the ring.
func TokenOf(key []byte) Token {
	return Token(int64(xxhash.Sum64(key)))
}

// TokenOfString is TokenOf for string keys
func TokenOfString(key string) Token {
	return Token(int64(xxhash.Sum64String(key)))
}

type Range struct {
	Left  Token `json:"left"`
	Right Token `json:"right"`
}

// FullRing returns the range covering every token.
func FullRing() Range {
	return Range{Left: MinToken, Right: MinToken}
}

func NewRange(left, right Token) Range {
	return Range{Left: left, Right: right}
}

func (r Range) IsFullRing() bool {
	return r.Left == r.Right
}

func (r Range) IsWrapAround() bool {
	return r.Left > r.Right
}

// Contains reports whether t falls in (Left, Right].
func (r Range) Contains(t Token) bool {
	switch {
	case r.IsFullRing():
		return true
	case r.IsWrapAround():
		return t > r.Left || t <= r.Right
	default:
		return t > r.Left && t <= r.Right
	}
}

// Width is the number of tokens in the range. The full ring reports 0 since
// 2^64 does not fit; callers check IsFullRing first.
func (r Range) Width() uint64 {
	return uint64(r.Right) - uint64(r.Left)
}

func (r Range) String() string {
	return fmt.Sprintf("(%d,%d]", r.Left, r.Right)
}

// ParseRange parses "left:right" or the "(left,right]" form String prints.
func ParseRange(s string) (Range, error) {
	body := strings.TrimSpace(s)
	sep := ":"
	if strings.HasPrefix(body, "(") && strings.HasSuffix(body, "]") {
		body = body[1 : len(body)-1]
		sep = ","
	}

	left, right, ok := strings.Cut(body, sep)
	if !ok {
		return Range{}, fmt.Errorf("invalid range %q: expected left:right", s)
	}
	l, err := strconv.ParseInt(strings.TrimSpace(left), 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("invalid range %q: %w", s, err)
	}
	r, err := strconv.ParseInt(strings.TrimSpace(right), 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("invalid range %q: %w", s, err)
	}
	return NewRange(Token(l), Token(r)), nil
}

// ContainsAny reports whether any of the ranges contains t.
func ContainsAny(ranges []Range, t Token) bool {
	for _, r := range ranges {
		if r.Contains(t) {
			return true
		}
	}
	return false
}

type Bounds struct {
	First Token
	Last  Token
}

// Intersects reports whether the closed bounds share at least one token with r.
func (b Bounds) Intersects(r Range) bool {
	if b.First > b.Last {
		return false
	}
	switch {
	case r.IsFullRing():
		return true
	case r.IsWrapAround():
		// (Left, MaxToken] or [MinToken, Right]
		return b.Last > r.Left || b.First <= r.Right
	default:
		return b.First <= r.Right && b.Last > r.Left
	}
}

// IntersectsAny reports whether the bounds overlap any of the ranges.
func (b Bounds) IntersectsAny(ranges []Range) bool {
	for _, r := range ranges {
		if b.Intersects(r) {
			return true
		}
	}
	return false
}
