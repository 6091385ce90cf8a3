package ld

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Value is one node of a linked-data record: the JSON a schema.org
// document can carry once floats are excluded. Numbers are whole int64
// values because a record's identity is the hash of its canonical bytes,
// and float formatting is not stable enough to hash.
type Value interface {
	ldValue()
}

// Null is a JSON null inside a stored document. Documents written by other
// tools may contain nulls, so they decode and re-serialize unchanged, but a
// null has no canonical form: MarshalCanonical rejects it and so a record
// holding one can never be hashed or stored. Drop the property instead.
type Null struct{}

func (Null) ldValue() {}

func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// String is a JSON string.
type String string

func (String) ldValue() {}

// Int is a JSON integer.
type Int int64

func (Int) ldValue() {}

// Bool is a JSON boolean.
type Bool bool

func (Bool) ldValue() {}

// Array is a JSON array.
type Array []Value

func (Array) ldValue() {}

// Object holds the properties of a node. Map order is random, so anything
// that hashes or prints an Object goes through SortedKeys.
type Object map[string]Value

func (Object) ldValue() {}

// Pair is a key/value pair for building objects.
type Pair struct {
	Key   string
	Value Value
}

// O is shorthand for Pair.
//
//	ld.NewObject(ld.O("name", ld.String("theme")), ld.O("value", ld.String("dark")))
func O(key string, value Value) Pair {
	return Pair{Key: key, Value: value}
}

// NewObject builds an Object from pairs. Later pairs win on duplicate keys.
func NewObject(pairs ...Pair) Object {
	obj := make(Object, len(pairs))
	for _, p := range pairs {
		obj[p.Key] = p.Value
	}
	return obj
}

// SortedKeys returns the property names in the order the canonical form
// writes them: by UTF-16 code unit, so two devices hashing the same record
// agree even on names outside the BMP.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		return slices.Compare(utf16.Encode([]rune(a)), utf16.Encode([]rune(b)))
	})
	return keys
}

// Clone returns a deep copy of obj.
func (obj Object) Clone() Object {
	out := make(Object, len(obj))
	for k, v := range obj {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case Object:
		return val.Clone()
	case Record:
		return Record(Object(val).Clone())
	case Array:
		out := make(Array, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}

func (obj *Object) UnmarshalJSON(data []byte) error {
	v, err := decodeValue(data)
	if err != nil {
		return err
	}
	o, ok := v.(Object)
	if !ok {
		return fmt.Errorf("linked data: expected an object, got %T", v)
	}
	*obj = o
	return nil
}

func (arr *Array) UnmarshalJSON(data []byte) error {
	v, err := decodeValue(data)
	if err != nil {
		return err
	}
	a, ok := v.(Array)
	if !ok {
		return fmt.Errorf("linked data: expected an array, got %T", v)
	}
	*arr = a
	return nil
}

// decodeValue reads one JSON document with numbers kept as text, so a
// fractional or exponent number is refused rather than rounded into an Int.
func decodeValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("linked data: trailing data after value")
	}
	return FromGo(raw)
}

// MarshalJSON writes the document with sorted keys and nulls kept. Use
// MarshalCanonical for bytes that are hashed.
func (obj Object) MarshalJSON() ([]byte, error) {
	return appendJSON(nil, obj)
}

func appendJSON(dst []byte, v Value) ([]byte, error) {
	var err error
	switch val := v.(type) {
	case Null:
		return append(dst, "null"...), nil
	case String:
		b, err := json.Marshal(string(val))
		if err != nil {
			return nil, err
		}
		return append(dst, b...), nil
	case Int:
		return strconv.AppendInt(dst, int64(val), 10), nil
	case Bool:
		return strconv.AppendBool(dst, bool(val)), nil
	case Array:
		dst = append(dst, '[')
		for i, elem := range val {
			if i > 0 {
				dst = append(dst, ',')
			}
			if dst, err = appendJSON(dst, elem); err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return append(dst, ']'), nil
	case Record:
		return appendJSON(dst, Object(val))
	case Object:
		dst = append(dst, '{')
		for i, k := range val.SortedKeys() {
			if i > 0 {
				dst = append(dst, ',')
			}
			if dst, err = appendJSON(dst, String(k)); err != nil {
				return nil, err
			}
			dst = append(dst, ':')
			if dst, err = appendJSON(dst, val[k]); err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
		}
		return append(dst, '}'), nil
	default:
		return nil, fmt.Errorf("linked data: unknown value type %T", v)
	}
}

// FromGo converts a document decoded into any (by encoding/json or YAML)
// into record values. A float64 holding a whole number becomes an Int since
// decoders produce those for plain integers. Fractions are refused.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case float64:
		if val != float64(int64(val)) {
			return nil, fmt.Errorf("floats are not allowed in linked data: %v", val)
		}
		return Int(int64(val)), nil
	case json.Number:
		if strings.ContainsAny(string(val), ".eE") {
			return nil, fmt.Errorf("floats are not allowed in linked data: %s", val)
		}
		i, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", val)
		}
		return Int(i), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = conv
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = conv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
