// Package entity holds the ingest-side data model: the scalar sum type
// recommended in spec.md §9 ("Wide integers"), the managed-table
// descriptor that the zone router and migration engine key off of, and the
// serialization normalization rules from spec.md §4.4.
package entity

import (
	"fmt"
	"strings"
	"time"
)

// ScalarKind tags which normalization rule a Scalar carries.
type ScalarKind int

const (
	// KindInt64 is a native-width integer; passes through untouched.
	KindInt64 ScalarKind = iota
	// KindBigUint is a wide unsigned integer that must serialize as a
	// decimal string, never a native double.
	KindBigUint
	// KindText passes through untouched.
	KindText
	// KindTimestamp formats as ISO-8601, space separator, millisecond
	// precision, no trailing zone indicator.
	KindTimestamp
	// KindHex strips a leading "0x" if present; empty becomes "".
	KindHex
)

// Scalar is a normalized row field value, tagged with the rule that
// produced it. It is the Go realization of the sum type
// Scalar = Int64 | BigUint(bytes) | Text | Timestamp | Hex(bytes)
// spec.md §9 recommends.
type Scalar struct {
	Kind ScalarKind
	// Int64Value holds the value when Kind == KindInt64.
	Int64Value int64
	// Text holds the value for KindBigUint (decimal digits), KindText,
	// KindTimestamp (formatted), and KindHex (post-strip) — all four are
	// stored as the normalized string the column engine receives.
	Text string
}

// NewInt64 builds a pass-through integer scalar.
func NewInt64(v int64) Scalar { return Scalar{Kind: KindInt64, Int64Value: v} }

// NewText builds a pass-through text scalar.
func NewText(v string) Scalar { return Scalar{Kind: KindText, Text: v} }

// NewBigUintFromDecimalString builds a wide-unsigned-integer scalar from a
// decimal string already in base-10 form (the common case: producer hands
// us a big.Int.String() or a hex-decoded uint256 already rendered decimal).
func NewBigUintFromDecimalString(decimal string) Scalar {
	return Scalar{Kind: KindBigUint, Text: decimal}
}

// NewTimestamp formats t per spec.md §4.4: ISO-8601, space separator,
// millisecond precision, no trailing zone indicator.
func NewTimestamp(t time.Time) Scalar {
	return Scalar{Kind: KindTimestamp, Text: t.UTC().Format("2006-01-02 15:04:05.000")}
}

// NewHex strips an optional leading "0x". Per spec.md §4.4, empty string
// becomes "" — the column treats it as a zero-byte fixed string, and the
// caller is responsible for validating declared length upstream.
func NewHex(raw string) Scalar {
	trimmed := strings.TrimPrefix(raw, "0x")
	trimmed = strings.TrimPrefix(trimmed, "0X")
	return Scalar{Kind: KindHex, Text: trimmed}
}

// Value returns the normalized value ready for the column engine: an
// int64 for KindInt64, a string for everything else.
func (s Scalar) Value() any {
	if s.Kind == KindInt64 {
		return s.Int64Value
	}
	return s.Text
}

func (s Scalar) String() string {
	switch s.Kind {
	case KindInt64:
		return fmt.Sprintf("%d", s.Int64Value)
	default:
		return s.Text
	}
}
