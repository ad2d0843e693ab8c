package variant

import (
	"strconv"
)

const rootPath = "<root>"

type segmentKind int

const (
	keySegment segmentKind = iota
	indexSegment
	fieldSegment
)

// Segment is one step of an access path into a value tree
type Segment struct {
	kind  segmentKind
	key   string
	index int
}

// Key looks up a dictionary entry by string key
func Key(k string) Segment {
	return Segment{kind: keySegment, key: k}
}

// Index selects an array element by position
func Index(i int) Segment {
	return Segment{kind: indexSegment, index: i}
}

// Field selects a positional field of a struct
func Field(i int) Segment {
	return Segment{kind: fieldSegment, index: i}
}

// String renders the segment the way it appears in error paths
func (s Segment) String() string {
	return s.join("")
}

// join appends the segment to a rendered parent path.
// Keys render as a.b, array indexes as a[0], struct fields as a.0.
func (s Segment) join(parent string) string {
	switch s.kind {
	case indexSegment:
		return parent + "[" + strconv.Itoa(s.index) + "]"
	case fieldSegment:
		if parent == "" {
			return strconv.Itoa(s.index)
		}
		return parent + "." + strconv.Itoa(s.index)
	default:
		if parent == "" {
			return s.key
		}
		return parent + "." + s.key
	}
}
