package model

import (
	"strconv"
	"strings"
)

// VersionStamp is the optimistic concurrency token the store assigns to every
// write: a per-index sequence number plus the primary term it was written under.
type VersionStamp struct {
	SequenceNumber int64
	PrimaryTerm    int64
}

// EmptyVersion is the stamp of a document that has never been written.
// It is not equal to any stamp, itself included; use IsEmpty to test for it.
var EmptyVersion = VersionStamp{}

// NewVersion builds a stamp from its parts.
func NewVersion(seq, term int64) VersionStamp {
	return VersionStamp{SequenceNumber: seq, PrimaryTerm: term}
}

// ParseVersion reads the "{seq}:{term}" form. Blank or malformed input yields
// EmptyVersion.
func ParseVersion(s string) VersionStamp {
	s = strings.TrimSpace(s)
	if s == "" {
		return EmptyVersion
	}

	seqPart, termPart, ok := strings.Cut(s, ":")
	if !ok {
		return EmptyVersion
	}

	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil || seq < 0 {
		return EmptyVersion
	}

	term, err := strconv.ParseInt(termPart, 10, 64)
	if err != nil || term < 0 {
		return EmptyVersion
	}

	return VersionStamp{SequenceNumber: seq, PrimaryTerm: term}
}

// IsEmpty reports whether the stamp carries no version.
// A store never assigns primary term zero, so that is the marker.
func (v VersionStamp) IsEmpty() bool {
	return v.PrimaryTerm == 0
}

// Equal compares two stamps. An empty stamp equals nothing.
func (v VersionStamp) Equal(other VersionStamp) bool {
	if v.IsEmpty() || other.IsEmpty() {
		return false
	}
	return v == other
}

// Compare orders stamps by sequence number, then primary term.
func (v VersionStamp) Compare(other VersionStamp) int {
	switch {
	case v.SequenceNumber < other.SequenceNumber:
		return -1
	case v.SequenceNumber > other.SequenceNumber:
		return 1
	case v.PrimaryTerm < other.PrimaryTerm:
		return -1
	case v.PrimaryTerm > other.PrimaryTerm:
		return 1
	}
	return 0
}

// Less reports whether v sorts before other.
func (v VersionStamp) Less(other VersionStamp) bool {
	return v.Compare(other) < 0
}

func (v VersionStamp) String() string {
	if v.IsEmpty() {
		return ""
	}
	return strconv.FormatInt(v.SequenceNumber, 10) + ":" + strconv.FormatInt(v.PrimaryTerm, 10)
}

// MarshalText implements encoding.TextMarshaler.
func (v VersionStamp) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It never fails.
func (v *VersionStamp) UnmarshalText(text []byte) error {
	*v = ParseVersion(string(text))
	return nil
}
