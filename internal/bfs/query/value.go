package query

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/distr1/bfs/internal/bfs/ondisk"
)

// Op is a predicate comparison operator.
type Op int

const (
	Eq Op = iota
	Ne
	Gt
	Ge
	Lt
	Le
)

func (o Op) String() string {
	switch o {
	case Eq:
		return "=="
	case Ne:
		return "!="
	case Gt:
		return ">"
	case Ge:
		return ">="
	case Lt:
		return "<"
	case Le:
		return "<="
	default:
		return "?"
	}
}

// ValueKind tags which field of Value holds the decoded payload.
type ValueKind int

const (
	KindString ValueKind = iota
	KindInt
	KindFloat
)

// Value is a decoded predicate operand or attribute reading.
type Value struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
}

func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }
func IntValue(v int64) Value     { return Value{Kind: KindInt, Int: v} }
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }

// compare returns -1/0/1 comparing a to b; mismatched kinds compare
// equal-never (always returns 2, a sentinel no Op matches), so values of
// different types never satisfy any predicate.
func compare(a, b Value) int {
	if a.Kind != b.Kind {
		return 2
	}
	switch a.Kind {
	case KindString:
		return bytes.Compare([]byte(a.Str), []byte(b.Str))
	case KindInt:
		switch {
		case a.Int < b.Int:
			return -1
		case a.Int > b.Int:
			return 1
		default:
			return 0
		}
	default: // KindFloat
		switch {
		case a.Float < b.Float:
			return -1
		case a.Float > b.Float:
			return 1
		default:
			return 0
		}
	}
}

// compareValues evaluates `have op want`.
func compareValues(have Value, op Op, want Value) bool {
	c := compare(have, want)
	if c == 2 {
		return false
	}
	switch op {
	case Eq:
		return c == 0
	case Ne:
		return c != 0
	case Gt:
		return c > 0
	case Ge:
		return c >= 0
	case Lt:
		return c < 0
	case Le:
		return c <= 0
	}
	return false
}

// DecodeKey turns a raw B+tree key's bytes back into a typed Value given the
// index's key type and byte order.
func DecodeKey(keyType ondisk.KeyType, order binary.ByteOrder, key []byte) Value {
	switch keyType {
	case ondisk.KeyTypeString:
		return StringValue(string(bytes.TrimSuffix(key, []byte{0})))
	case ondisk.KeyTypeInt32:
		return IntValue(int64(int32(order.Uint32(key))))
	case ondisk.KeyTypeUint32:
		return IntValue(int64(order.Uint32(key)))
	case ondisk.KeyTypeInt64:
		return IntValue(int64(order.Uint64(key)))
	case ondisk.KeyTypeUint64:
		return IntValue(int64(order.Uint64(key)))
	case ondisk.KeyTypeFloat:
		return FloatValue(float64(math.Float32frombits(order.Uint32(key))))
	case ondisk.KeyTypeDouble:
		return FloatValue(math.Float64frombits(order.Uint64(key)))
	default:
		return StringValue(string(key))
	}
}

// EncodeKey is DecodeKey's inverse: it builds a B+tree-comparable key from
// a parsed predicate literal. The engine itself does not call it.
func EncodeKey(keyType ondisk.KeyType, order binary.ByteOrder, v Value) []byte {
	switch keyType {
	case ondisk.KeyTypeString:
		return []byte(v.Str)
	case ondisk.KeyTypeInt32, ondisk.KeyTypeUint32:
		buf := make([]byte, 4)
		order.PutUint32(buf, uint32(v.Int))
		return buf
	case ondisk.KeyTypeFloat:
		buf := make([]byte, 4)
		order.PutUint32(buf, math.Float32bits(float32(v.Float)))
		return buf
	case ondisk.KeyTypeDouble:
		buf := make([]byte, 8)
		order.PutUint64(buf, math.Float64bits(v.Float))
		return buf
	default:
		buf := make([]byte, 8)
		order.PutUint64(buf, uint64(v.Int))
		return buf
	}
}
