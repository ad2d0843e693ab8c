// Package variant decodes the self-describing value trees carried in D-Bus
// message bodies into a small tagged union with explicit, path-aware
// narrowing. Nothing here coerces between types: every mismatch is a
// *DecodeError naming the offending path.
package variant

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/godbus/dbus/v5"
)

// Kind identifies the concrete type held by a Value
type Kind int

const (
	Invalid Kind = iota
	Bool
	Byte
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64
	Double
	String
	ObjectPath
	Signature
	UnixFD
	Array
	Struct
	Dict
)

var kindNames = map[Kind]string{
	Invalid:    "invalid",
	Bool:       "bool",
	Byte:       "byte",
	Int16:      "int16",
	Uint16:     "uint16",
	Int32:      "int32",
	Uint32:     "uint32",
	Int64:      "int64",
	Uint64:     "uint64",
	Double:     "double",
	String:     "string",
	ObjectPath: "object path",
	Signature:  "signature",
	UnixFD:     "unix fd",
	Array:      "array",
	Struct:     "struct",
	Dict:       "dict",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Value is one node of a decoded value tree. The zero Value is Invalid.
type Value struct {
	kind    Kind
	scalar  interface{}
	items   []Value
	entries map[string]Value
	path    string
}

// Scalar constructors

func NewBool(b bool) Value                  { return Value{kind: Bool, scalar: b} }
func NewByte(b byte) Value                  { return Value{kind: Byte, scalar: b} }
func NewInt32(i int32) Value                { return Value{kind: Int32, scalar: i} }
func NewUint32(u uint32) Value              { return Value{kind: Uint32, scalar: u} }
func NewInt64(i int64) Value                { return Value{kind: Int64, scalar: i} }
func NewUint64(u uint64) Value              { return Value{kind: Uint64, scalar: u} }
func NewDouble(f float64) Value             { return Value{kind: Double, scalar: f} }
func NewString(s string) Value              { return Value{kind: String, scalar: s} }
func NewObjectPath(p dbus.ObjectPath) Value { return Value{kind: ObjectPath, scalar: p} }
func NewUnixFD(fd int32) Value              { return Value{kind: UnixFD, scalar: fd} }

// NewArray builds a homogeneous sequence
func NewArray(items ...Value) Value {
	return Value{kind: Array, items: items}
}

// NewStruct builds a positional tuple
func NewStruct(fields ...Value) Value {
	return Value{kind: Struct, items: fields}
}

// NewDict builds a string-keyed mapping
func NewDict(entries map[string]Value) Value {
	if entries == nil {
		entries = map[string]Value{}
	}
	return Value{kind: Dict, entries: entries}
}

// FromDBus converts a value as produced by godbus (including dbus.Variant
// wrappers, which are unwrapped) into a Value tree. godbus hands structs
// back as []interface{}, so that type is always treated as a Struct.
func FromDBus(v interface{}) (Value, error) {
	switch x := v.(type) {
	case Value:
		return x, nil
	case dbus.Variant:
		return FromDBus(x.Value())
	case bool:
		return NewBool(x), nil
	case byte:
		return NewByte(x), nil
	case int16:
		return Value{kind: Int16, scalar: x}, nil
	case uint16:
		return Value{kind: Uint16, scalar: x}, nil
	case int32:
		return NewInt32(x), nil
	case uint32:
		return NewUint32(x), nil
	case int64:
		return NewInt64(x), nil
	case uint64:
		return NewUint64(x), nil
	case float64:
		return NewDouble(x), nil
	case string:
		return NewString(x), nil
	case dbus.ObjectPath:
		return NewObjectPath(x), nil
	case dbus.Signature:
		return Value{kind: Signature, scalar: x}, nil
	case dbus.UnixFD:
		return NewUnixFD(int32(x)), nil
	case []interface{}:
		fields := make([]Value, 0, len(x))
		for _, f := range x {
			fv, err := FromDBus(f)
			if err != nil {
				return Value{}, err
			}
			fields = append(fields, fv)
		}
		return NewStruct(fields...), nil
	case map[string]dbus.Variant:
		entries := make(map[string]Value, len(x))
		for k, e := range x {
			ev, err := FromDBus(e)
			if err != nil {
				return Value{}, err
			}
			entries[k] = ev
		}
		return NewDict(entries), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			iv, err := FromDBus(rv.Index(i).Interface())
			if err != nil {
				return Value{}, err
			}
			items = append(items, iv)
		}
		return NewArray(items...), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, &DecodeError{Kind: ShapeMismatch, Want: "string-keyed map", Got: rv.Type().String()}
		}
		entries := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			ev, err := FromDBus(iter.Value().Interface())
			if err != nil {
				return Value{}, err
			}
			entries[iter.Key().String()] = ev
		}
		return NewDict(entries), nil
	}

	return Value{}, &DecodeError{Kind: ShapeMismatch, Want: "D-Bus value", Got: fmt.Sprintf("%T", v)}
}

// Kind returns the concrete type held by v
func (v Value) Kind() Kind {
	return v.kind
}

// Path returns where v was found relative to the root it was navigated from
func (v Value) Path() string {
	return v.path
}

// Root returns v re-rooted: paths navigated from it start fresh
func (v Value) Root() Value {
	v.path = ""
	return v
}

// Len returns the number of elements of an Array or Struct, or entries of a
// Dict. Scalars have length zero.
func (v Value) Len() int {
	if v.kind == Dict {
		return len(v.entries)
	}
	return len(v.items)
}

// Has reports whether v is a Dict containing key
func (v Value) Has(key string) bool {
	if v.kind != Dict {
		return false
	}
	_, ok := v.entries[key]
	return ok
}

// Keys returns the sorted keys of a Dict
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.entries))
	for k := range v.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// At walks the given path from v
func (v Value) At(path ...Segment) (Value, error) {
	cur := v
	for _, seg := range path {
		next, err := cur.step(seg)
		if err != nil {
			return Value{}, err
		}
		cur = next
	}
	return cur, nil
}

func (v Value) step(seg Segment) (Value, error) {
	childPath := seg.join(v.path)
	switch seg.kind {
	case keySegment:
		if v.kind != Dict {
			return Value{}, mismatch(v.path, Dict.String(), v.kind)
		}
		e, ok := v.entries[seg.key]
		if !ok {
			return Value{}, &DecodeError{Kind: KeyNotFound, Path: childPath}
		}
		e.path = childPath
		return e, nil
	case indexSegment:
		if v.kind != Array {
			return Value{}, mismatch(v.path, Array.String(), v.kind)
		}
		return v.child(seg.index, childPath)
	default:
		if v.kind != Struct {
			return Value{}, mismatch(v.path, Struct.String(), v.kind)
		}
		return v.child(seg.index, childPath)
	}
}

func (v Value) child(i int, childPath string) (Value, error) {
	if i < 0 || i >= len(v.items) {
		return Value{}, &DecodeError{Kind: IndexOutOfBounds, Path: childPath, Len: len(v.items)}
	}
	c := v.items[i]
	c.path = childPath
	return c, nil
}

func (v Value) children(seg func(int) Segment) []Value {
	out := make([]Value, len(v.items))
	for i, c := range v.items {
		c.path = seg(i).join(v.path)
		out[i] = c
	}
	return out
}

// Narrowing

func (v Value) AsInt32() (int32, error) {
	if v.kind != Int32 {
		return 0, mismatch(v.path, Int32.String(), v.kind)
	}
	return v.scalar.(int32), nil
}

func (v Value) AsUint32() (uint32, error) {
	if v.kind != Uint32 {
		return 0, mismatch(v.path, Uint32.String(), v.kind)
	}
	return v.scalar.(uint32), nil
}

func (v Value) AsUint64() (uint64, error) {
	if v.kind != Uint64 {
		return 0, mismatch(v.path, Uint64.String(), v.kind)
	}
	return v.scalar.(uint64), nil
}

func (v Value) AsString() (string, error) {
	if v.kind != String {
		return "", mismatch(v.path, String.String(), v.kind)
	}
	return v.scalar.(string), nil
}

func (v Value) AsObjectPath() (dbus.ObjectPath, error) {
	if v.kind != ObjectPath {
		return "", mismatch(v.path, ObjectPath.String(), v.kind)
	}
	return v.scalar.(dbus.ObjectPath), nil
}

func (v Value) AsUnixFD() (int32, error) {
	if v.kind != UnixFD {
		return 0, mismatch(v.path, UnixFD.String(), v.kind)
	}
	return v.scalar.(int32), nil
}

// AsArray narrows v to a sequence; elements carry their own paths
func (v Value) AsArray() ([]Value, error) {
	if v.kind != Array {
		return nil, mismatch(v.path, Array.String(), v.kind)
	}
	return v.children(Index), nil
}

// AsStruct unwraps one level of tuple, returning its positional fields
func (v Value) AsStruct() ([]Value, error) {
	if v.kind != Struct {
		return nil, mismatch(v.path, Struct.String(), v.kind)
	}
	return v.children(Field), nil
}

// AsDict narrows v to a mapping
func (v Value) AsDict() (map[string]Value, error) {
	if v.kind != Dict {
		return nil, mismatch(v.path, Dict.String(), v.kind)
	}
	out := make(map[string]Value, len(v.entries))
	for k, e := range v.entries {
		e.path = Key(k).join(v.path)
		out[k] = e
	}
	return out, nil
}

// Interface returns a plain Go rendering of v, for logging
func (v Value) Interface() interface{} {
	switch v.kind {
	case Array, Struct:
		out := make([]interface{}, len(v.items))
		for i, c := range v.items {
			out[i] = c.Interface()
		}
		return out
	case Dict:
		out := make(map[string]interface{}, len(v.entries))
		for k, e := range v.entries {
			out[k] = e.Interface()
		}
		return out
	default:
		return v.scalar
	}
}
