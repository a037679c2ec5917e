package event

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var ErrInvalidJSON = errors.New("payload is not valid JSON")

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	}
	return "null"
}

// Value is an immutable node of an arbitrary JSON payload tree.
// The zero Value is null.
type Value struct {
	kind Kind
	str  string // string content, or the literal text of a number
	num  float64
	b    bool
	list []Value
	m    map[string]Value
}

// textKeys are tried in order when a map has to be read as text.
var textKeys = []string{"text", "body", "content"}

func Null() Value { return Value{} }
func String(s string) Value { return Value{kind: KindString, str: s} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func List(items ...Value) Value { return Value{kind: KindList, list: items} }
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

func Number(f float64) Value {
	return Value{kind: KindNumber, num: f, str: strconv.FormatFloat(f, 'f', -1, 64)}
}

// Parse builds a Value tree from raw JSON.
func Parse(raw []byte) (Value, error) {
	if !gjson.ValidBytes(raw) {
		return Value{}, ErrInvalidJSON
	}
	return FromResult(gjson.ParseBytes(raw)), nil
}

// FromResult converts a gjson result into a Value tree.
func FromResult(r gjson.Result) Value {
	switch r.Type {
	case gjson.String:
		return String(r.Str)
	case gjson.Number:
		// Keep the literal so ids like 1234567890123 render exactly.
		return Value{kind: KindNumber, num: r.Num, str: r.Raw}
	case gjson.True:
		return Bool(true)
	case gjson.False:
		return Bool(false)
	case gjson.JSON:
		if r.IsArray() {
			arr := r.Array()
			items := make([]Value, len(arr))
			for i, item := range arr {
				items[i] = FromResult(item)
			}
			return List(items...)
		}
		m := make(map[string]Value)
		r.ForEach(func(key, value gjson.Result) bool {
			m[key.Str] = FromResult(value)
			return true
		})
		return Map(m)
	}
	return Null()
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// Str returns the string content when v is a string.
func (v Value) Str() (string, bool) {
	return v.str, v.kind == KindString
}

// Int returns v as an integer when v is a whole number or a numeric string.
func (v Value) Int() (int64, bool) {
	switch v.kind {
	case KindNumber:
		if n, err := strconv.ParseInt(v.str, 10, 64); err == nil {
			return n, true
		}
		return int64(v.num), v.num == float64(int64(v.num))
	case KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.str), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func (v Value) BoolValue() (bool, bool) {
	return v.b, v.kind == KindBool
}

func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindMap:
		return len(v.m)
	}
	return 0
}

// Items returns the elements of a list value.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	return v.list
}

// Keys returns the sorted keys of a map value.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the child at key for a map value.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	child, ok := v.m[key]
	return child, ok
}

// Lookup walks a dotted path. A numeric segment indexes into a list; on a
// map it is treated as an ordinary key.
func (v Value) Lookup(path string) (Value, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch cur.kind {
		case KindMap:
			next, ok := cur.m[seg]
			if !ok {
				return Value{}, false
			}
			cur = next
		case KindList:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur.list) {
				return Value{}, false
			}
			cur = cur.list[idx]
		default:
			return Value{}, false
		}
	}
	return cur, true
}

// Text resolves v to a string with the best-effort rule:
// null is def, a string is itself, a list joins its resolved elements with
// a space, and a map resolves its first key among text, body and content.
// A map without any of those keys is not stringified and yields def.
func (v Value) Text(def string) string {
	s, ok := v.TextOK()
	if !ok {
		return def
	}
	return s
}

// TextOK is Text without a default; ok is false when nothing textual was found.
func (v Value) TextOK() (string, bool) {
	switch v.kind {
	case KindString:
		return v.str, v.str != ""
	case KindNumber:
		return v.str, true
	case KindBool:
		return strconv.FormatBool(v.b), true
	case KindList:
		parts := make([]string, 0, len(v.list))
		for _, item := range v.list {
			if s, ok := item.TextOK(); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, " "), true
	case KindMap:
		for _, key := range textKeys {
			if child, ok := v.m[key]; ok {
				return child.TextOK()
			}
		}
	}
	return "", false
}

// TextAt is Lookup followed by Text.
func (v Value) TextAt(path, def string) string {
	child, ok := v.Lookup(path)
	if !ok {
		return def
	}
	return child.Text(def)
}

// Interface converts v back into plain Go values (for JSON encoding).
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			out[k] = item.Interface()
		}
		return out
	}
	return nil
}
