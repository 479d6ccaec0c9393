package dynlib

import (
	"fmt"
	"reflect"
	"strings"
	"unsafe"
)

// Type is the native representation of a parameter or return value.
type Type uint8

const (
	Void Type = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	// Long and ULong follow the platform C long width.
	Long
	ULong
	// Size is size_t.
	Size
	Float32
	Float64
	// Pointer is an opaque address passed through unchanged.
	Pointer
	// String is UTF-8 text with a trailing NUL.
	String
	// Chars is UTF-8 text without a terminator.
	Chars
	// WString is wchar_t text with a trailing NUL.
	WString
	// WChars is wchar_t text without a terminator.
	WChars
)

var typeNames = [...]string{
	Void:    "void",
	Bool:    "bool",
	Int8:    "int8",
	Int16:   "int16",
	Int32:   "int32",
	Int64:   "int64",
	Uint8:   "uint8",
	Uint16:  "uint16",
	Uint32:  "uint32",
	Uint64:  "uint64",
	Long:    "long",
	ULong:   "ulong",
	Size:    "size_t",
	Float32: "float",
	Float64: "double",
	Pointer: "pointer",
	String:  "string",
	Chars:   "chars",
	WString: "wstring",
	WChars:  "wchars",
}

var typeAliases = map[string]Type{
	"int":       Int32,
	"uint":      Uint32,
	"char":      Int8,
	"uchar":     Uint8,
	"short":     Int16,
	"ushort":    Uint16,
	"longlong":  Int64,
	"ulonglong": Uint64,
	"size":      Size,
	"float32":   Float32,
	"float64":   Float64,
	"ptr":       Pointer,
	"handle":    Pointer,
	"void*":     Pointer,
	"char*":     String,
	"wchar_t*":  WString,
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", t)
}

// ParseType parses a type name as written in signature declarations.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range typeNames {
		if n == s {
			return Type(i), nil
		}
	}
	if t, ok := typeAliases[s]; ok {
		return t, nil
	}
	return Void, fmt.Errorf("unknown native type %q", s)
}

func (t Type) isText() bool {
	return t == String || t == Chars || t == WString || t == WChars
}

// goType is the Go type the dispatcher uses for t at the call boundary.
// Text travels as a pointer to memory marshalled by this package.
func (t Type) goType(p Platform) reflect.Type {
	switch t {
	case Bool:
		return reflect.TypeFor[bool]()
	case Int8:
		return reflect.TypeFor[int8]()
	case Int16:
		return reflect.TypeFor[int16]()
	case Int32:
		return reflect.TypeFor[int32]()
	case Int64:
		return reflect.TypeFor[int64]()
	case Uint8:
		return reflect.TypeFor[uint8]()
	case Uint16:
		return reflect.TypeFor[uint16]()
	case Uint32:
		return reflect.TypeFor[uint32]()
	case Uint64:
		return reflect.TypeFor[uint64]()
	case Long:
		if p.longBits() == 32 {
			return reflect.TypeFor[int32]()
		}
		return reflect.TypeFor[int64]()
	case ULong:
		if p.longBits() == 32 {
			return reflect.TypeFor[uint32]()
		}
		return reflect.TypeFor[uint64]()
	case Float32:
		return reflect.TypeFor[float32]()
	case Float64:
		return reflect.TypeFor[float64]()
	default:
		return reflect.TypeFor[uintptr]()
	}
}

// returnType is the Go type the dispatcher receives a t result as. C strings
// are copied by the dispatcher and wide strings arrive as unsafe.Pointer, so
// neither is rebuilt from a uintptr.
func (t Type) returnType(p Platform) reflect.Type {
	switch t {
	case String:
		return reflect.TypeFor[string]()
	case WString:
		return reflect.TypeFor[unsafe.Pointer]()
	}
	return t.goType(p)
}

// bits is the width of integer types on platform p.
func (t Type) bits(p Platform) int {
	switch t {
	case Int8, Uint8:
		return 8
	case Int16, Uint16:
		return 16
	case Int32, Uint32:
		return 32
	case Int64, Uint64:
		return 64
	case Long, ULong:
		return p.longBits()
	case Size, Pointer:
		return p.PointerWidth
	default:
		return 0
	}
}

func (t Type) signed() bool {
	switch t {
	case Int8, Int16, Int32, Int64, Long:
		return true
	}
	return false
}
