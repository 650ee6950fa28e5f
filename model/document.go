package model

import (
	"reflect"
	"time"
)

// Identity is implemented by documents with a stable string id.
type Identity interface {
	GetID() string
	SetID(id string)
}

// Dated is implemented by documents that track creation and update times.
type Dated interface {
	GetCreatedUTC() time.Time
	SetCreatedUTC(t time.Time)
	GetUpdatedUTC() time.Time
	SetUpdatedUTC(t time.Time)
}

// Versioned is implemented by documents that carry a VersionStamp.
type Versioned interface {
	GetVersion() VersionStamp
	SetVersion(v VersionStamp)
}

// SoftDeletable is implemented by documents that are flagged deleted instead
// of being physically removed.
type SoftDeletable interface {
	IsDeleted() bool
	SetDeleted(deleted bool)
}

// Capabilities describes which optional interfaces a document type implements.
type Capabilities struct {
	Type          reflect.Type
	Name          string
	Dated         bool
	Versioned     bool
	SoftDeletable bool
}

// CapabilitiesOf inspects the method set of T once. T is normally a pointer
// type; the check never dereferences the zero value.
func CapabilitiesOf[T any]() Capabilities {
	var zero T
	typ := reflect.TypeOf(&zero).Elem()
	name := typ.Name()
	if typ.Kind() == reflect.Pointer {
		name = typ.Elem().Name()
	}

	_, dated := any(zero).(Dated)
	_, versioned := any(zero).(Versioned)
	_, soft := any(zero).(SoftDeletable)

	return Capabilities{
		Type:          typ,
		Name:          name,
		Dated:         dated,
		Versioned:     versioned,
		SoftDeletable: soft,
	}
}

// IsNil reports whether v is nil or a nil pointer, map, slice or interface.
func IsNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// ModifiedDocument pairs the stored state of a document with the value being
// written. A nil Original marks a create.
type ModifiedDocument[T any] struct {
	Original T
	Value    T
}

// IsCreate reports whether the pair has no original.
func (m ModifiedDocument[T]) IsCreate() bool {
	return IsNil(m.Original)
}

// ChangeType classifies a change notification.
type ChangeType int

const (
	ChangeAdded ChangeType = iota + 1
	ChangeSaved
	ChangeRemoved
)

func (c ChangeType) String() string {
	switch c {
	case ChangeAdded:
		return "added"
	case ChangeSaved:
		return "saved"
	case ChangeRemoved:
		return "removed"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (c ChangeType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ChangeType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "added":
		*c = ChangeAdded
	case "saved":
		*c = ChangeSaved
	case "removed":
		*c = ChangeRemoved
	default:
		*c = 0
	}
	return nil
}
