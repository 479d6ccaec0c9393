package dynlib

import (
	"fmt"
	"math"
	"reflect"
	"unsafe"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

// callFrame keeps Go memory handed to native code alive for the duration
// of one call.
type callFrame struct {
	bufs [][]byte
	hold []any
}

// pin keeps b alive and returns its address. An empty buffer still gets a
// valid address, backed by a single zero byte.
func (f *callFrame) pin(b []byte) uintptr {
	if len(b) == 0 {
		b = make([]byte, 1)
	}
	f.bufs = append(f.bufs, b)
	return uintptr(unsafe.Pointer(&b[0]))
}

// marshalArg converts a Go value into the representation native code
// expects for t.
func marshalArg(p Platform, t Type, v any, f *callFrame) (reflect.Value, error) {
	gt := t.goType(p)
	switch t {
	case Bool:
		switch b := v.(type) {
		case bool:
			return reflect.ValueOf(b), nil
		default:
			i, err := marshalInt(p, Int64, v)
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(i.Int() != 0), nil
		}
	case Int8, Int16, Int32, Int64, Uint8, Uint16, Uint32, Uint64, Long, ULong, Size:
		return marshalInt(p, t, v)
	case Float32, Float64:
		rv := reflect.ValueOf(v)
		var x float64
		switch rv.Kind() {
		case reflect.Float32, reflect.Float64:
			x = rv.Float()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			x = float64(rv.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			x = float64(rv.Uint())
		default:
			return reflect.Value{}, fmt.Errorf("cannot pass %T as %s", v, t)
		}
		if t == Float32 && !math.IsInf(x, 0) && !math.IsNaN(x) && math.Abs(x) > math.MaxFloat32 {
			return reflect.Value{}, fmt.Errorf("value %g overflows %s", x, t)
		}
		return reflect.ValueOf(x).Convert(gt), nil
	case Pointer:
		ptr, err := marshalPointer(v, f)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(ptr).Convert(gt), nil
	case String, Chars:
		var b []byte
		switch s := v.(type) {
		case nil:
			return reflect.ValueOf(uintptr(0)), nil
		case string:
			b = []byte(s)
		case []byte:
			b = append([]byte(nil), s...)
		default:
			return reflect.Value{}, fmt.Errorf("cannot pass %T as %s", v, t)
		}
		if t == String {
			b = append(b, 0)
		}
		return reflect.ValueOf(f.pin(b)), nil
	case WString, WChars:
		var s string
		switch x := v.(type) {
		case nil:
			return reflect.ValueOf(uintptr(0)), nil
		case string:
			s = x
		case []rune:
			s = string(x)
		default:
			return reflect.Value{}, fmt.Errorf("cannot pass %T as %s", v, t)
		}
		b, err := encodeWide(p, s, t == WString)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(f.pin(b)), nil
	}
	return reflect.Value{}, fmt.Errorf("type %s cannot be passed", t)
}

func marshalInt(p Platform, t Type, v any) (reflect.Value, error) {
	bits, signed, gt := t.bits(p), t.signed(), t.goType(p)
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		switch {
		case signed && bits < 64 && (i < -(int64(1)<<(bits-1)) || i > int64(1)<<(bits-1)-1):
			return reflect.Value{}, fmt.Errorf("value %d overflows %s", i, t)
		case !signed && i < 0:
			return reflect.Value{}, fmt.Errorf("negative value %d for %s", i, t)
		case !signed && bits < 64 && uint64(i) > uint64(1)<<bits-1:
			return reflect.Value{}, fmt.Errorf("value %d overflows %s", i, t)
		}
		return reflect.ValueOf(i).Convert(gt), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		switch {
		case signed && u > uint64(1)<<(bits-1)-1:
			return reflect.Value{}, fmt.Errorf("value %d overflows %s", u, t)
		case !signed && bits < 64 && u > uint64(1)<<bits-1:
			return reflect.Value{}, fmt.Errorf("value %d overflows %s", u, t)
		}
		return reflect.ValueOf(u).Convert(gt), nil
	case reflect.Bool:
		var i int64
		if rv.Bool() {
			i = 1
		}
		return reflect.ValueOf(i).Convert(gt), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot pass %T as %s", v, t)
}

// marshalPointer accepts Go pointers, byte buffers and opaque handles of
// any unsigned integer type, including named ones such as windows.Handle.
func marshalPointer(v any, f *callFrame) (uintptr, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case uintptr:
		return x, nil
	case unsafe.Pointer:
		f.hold = append(f.hold, v)
		return uintptr(x), nil
	case []byte:
		if x == nil {
			return 0, nil
		}
		return f.pin(x), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.UnsafePointer:
		if rv.IsNil() {
			return 0, nil
		}
		f.hold = append(f.hold, v)
		return rv.Pointer(), nil
	case reflect.Uintptr, reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if uint64(uintptr(u)) != u {
			return 0, fmt.Errorf("handle %#x overflows a pointer", u)
		}
		return uintptr(u), nil
	}
	return 0, fmt.Errorf("cannot pass %T as pointer", v)
}

// unmarshalReturn converts a native return value into its Go form.
func unmarshalReturn(p Platform, t Type, out reflect.Value) any {
	switch t {
	case Void:
		return nil
	case Long:
		return out.Int()
	case ULong, Size:
		return out.Uint()
	case Pointer:
		return uintptr(out.Uint())
	case String:
		return out.String()
	case WString:
		return goWideString(p, out.UnsafePointer())
	}
	return out.Interface()
}

// goWideString copies a NUL-terminated wchar_t string.
func goWideString(p Platform, ptr unsafe.Pointer) string {
	if ptr == nil {
		return ""
	}
	size := p.wcharSize()
	n := 0
	for !zeroUnit(unsafe.Add(ptr, n), size) {
		n += size
	}
	raw := unsafe.Slice((*byte)(ptr), n)
	s, err := wideEncoding(p).NewDecoder().Bytes(raw)
	if err != nil {
		return ""
	}
	return string(s)
}

func zeroUnit(at unsafe.Pointer, size int) bool {
	for i := 0; i < size; i++ {
		if *(*byte)(unsafe.Add(at, i)) != 0 {
			return false
		}
	}
	return true
}

// encodeWide encodes s as the platform wchar_t representation.
func encodeWide(p Platform, s string, terminate bool) ([]byte, error) {
	b, err := wideEncoding(p).NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("encoding %q as wide text: %w", s, err)
	}
	if terminate {
		b = append(b, make([]byte, p.wcharSize())...)
	}
	return b, nil
}

func wideEncoding(p Platform) encoding.Encoding {
	if p.wcharSize() == 2 {
		if littleEndian {
			return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
		}
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
	}
	if littleEndian {
		return utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM)
	}
	return utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM)
}

var littleEndian = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()
