// Package id defines the TypeID identifiers used across the paywall.
//
// An ID prints as "prefix_suffix", for example
// "txn_01h2xcejqtf2nbrexx3vqjhp41". Suffixes are UUIDv7, so ids of one kind
// sort by creation time. The zero value is Nil and stores as NULL.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix names the kind of entity an ID refers to.
type Prefix string

const (
	PrefixUser        Prefix = "usr"
	PrefixCourse      Prefix = "crs"
	PrefixUnit        Prefix = "unit" // pdf document or video episode
	PrefixTransaction Prefix = "txn"
)

//nolint:recvcheck // UnmarshalText and Scan need pointer receivers.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero ID.
var Nil ID

// New returns a fresh ID. It panics on an invalid prefix.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

// Parse accepts an ID of any kind.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix is Parse restricted to one kind.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}
	return parsed, nil
}

// ParseItem accepts the ids a payment can be for: a unit or a whole course.
func ParseItem(s string) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if p := parsed.Prefix(); p != PrefixUnit && p != PrefixCourse {
		return Nil, fmt.Errorf("id: %q is not a unit or course id", s)
	}
	return parsed, nil
}

// The aliases document intent at call sites. They do not make the compiler
// reject a course id where a unit id is expected; the Parse helpers check
// the prefix at the edges instead.
type (
	UserID        = ID
	CourseID      = ID
	UnitID        = ID
	TransactionID = ID // also the grant idempotency key
)

func NewUserID() ID        { return New(PrefixUser) }
func NewCourseID() ID      { return New(PrefixCourse) }
func NewUnitID() ID        { return New(PrefixUnit) }
func NewTransactionID() ID { return New(PrefixTransaction) }

func ParseUserID(s string) (ID, error)        { return ParseWithPrefix(s, PrefixUser) }
func ParseCourseID(s string) (ID, error)      { return ParseWithPrefix(s, PrefixCourse) }
func ParseUnitID(s string) (ID, error)        { return ParseWithPrefix(s, PrefixUnit) }
func ParseTransactionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixTransaction) }

// String is empty for Nil.
func (i ID) String() string {
	if i.IsNil() {
		return ""
	}
	return i.inner.String()
}

func (i ID) Prefix() Prefix {
	if i.IsNil() {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

func (i ID) IsNil() bool { return !i.valid }

// Equal reports whether i and other name the same entity. Two Nil ids are
// equal.
func (i ID) Equal(other ID) bool { return i.String() == other.String() }

// MarshalText encodes Nil as the empty string so optional references
// serialize as "".
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *ID) UnmarshalText(data []byte) error {
	return i.set(string(data))
}

// Value stores Nil as NULL.
func (i ID) Value() (driver.Value, error) {
	if i.IsNil() {
		return nil, nil //nolint:nilnil // NULL
	}
	return i.String(), nil
}

func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		return i.set("")
	case string:
		return i.set(v)
	case []byte:
		return i.set(string(v))
	default:
		return fmt.Errorf("id: cannot scan %T", src)
	}
}

func (i *ID) set(s string) error {
	if s == "" {
		*i = Nil
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
