// Package encoding lays fixed-size Go values out as the little-endian byte
// and 64-bit word images that cross the emulated call boundary: structures
// returned through a hidden result pointer, multi-register returns, and
// tables written into guest memory.
package encoding

import (
	"encoding/binary"
	"errors"
	"reflect"
	"sync"
	"unsafe"

	"github.com/modern-go/reflect2"
)

var (
	ErrUnsupportedType = errors.New("encoding: unsupported type")
	ErrNotPointer      = errors.New("encoding: decode target must be a non-nil pointer")
	ErrShortBuffer     = errors.New("encoding: buffer too short")
)

type codec struct {
	size   int
	encode func(buf []byte, ptr unsafe.Pointer)
	decode func(buf []byte, ptr unsafe.Pointer)
}

var codecCache sync.Map

func codecOf(typ reflect2.Type) (*codec, error) {
	key := typ.RType()
	if c, ok := codecCache.Load(key); ok {
		return c.(*codec), nil
	}
	c, err := build(typ)
	if err != nil {
		return nil, err
	}
	codecCache.Store(key, c)
	return c, nil
}

func build(typ reflect2.Type) (*codec, error) {
	size := int(typ.Type1().Size())
	switch typ.Kind() {
	case reflect.Bool, reflect.Uint8, reflect.Int8:
		return scalar(size, func(b []byte, p unsafe.Pointer) { b[0] = *(*uint8)(p) }, func(b []byte, p unsafe.Pointer) { *(*uint8)(p) = b[0] }), nil
	case reflect.Uint16, reflect.Int16:
		return scalar(size, func(b []byte, p unsafe.Pointer) { binary.LittleEndian.PutUint16(b, *(*uint16)(p)) }, func(b []byte, p unsafe.Pointer) { *(*uint16)(p) = binary.LittleEndian.Uint16(b) }), nil
	case reflect.Uint32, reflect.Int32:
		return scalar(size, func(b []byte, p unsafe.Pointer) { binary.LittleEndian.PutUint32(b, *(*uint32)(p)) }, func(b []byte, p unsafe.Pointer) { *(*uint32)(p) = binary.LittleEndian.Uint32(b) }), nil
	case reflect.Uint64, reflect.Int64, reflect.Uint, reflect.Int, reflect.Uintptr:
		if size != 8 {
			return nil, ErrUnsupportedType
		}
		return scalar(size, func(b []byte, p unsafe.Pointer) { binary.LittleEndian.PutUint64(b, *(*uint64)(p)) }, func(b []byte, p unsafe.Pointer) { *(*uint64)(p) = binary.LittleEndian.Uint64(b) }), nil
	case reflect.Array:
		return buildArray(typ.(reflect2.ArrayType), size)
	case reflect.Struct:
		return buildStruct(typ.(reflect2.StructType), size)
	}
	return nil, ErrUnsupportedType
}

func scalar(size int, enc, dec func([]byte, unsafe.Pointer)) *codec {
	return &codec{size: size, encode: enc, decode: dec}
}

func buildArray(typ reflect2.ArrayType, size int) (*codec, error) {
	elem, err := codecOf(typ.Elem())
	if err != nil {
		return nil, err
	}
	stride := int(typ.Elem().Type1().Size())
	n := typ.Len()
	return &codec{
		size: size,
		encode: func(buf []byte, ptr unsafe.Pointer) {
			for i := 0; i < n; i++ {
				elem.encode(buf[i*stride:], typ.UnsafeGetIndex(ptr, i))
			}
		},
		decode: func(buf []byte, ptr unsafe.Pointer) {
			for i := 0; i < n; i++ {
				elem.decode(buf[i*stride:], typ.UnsafeGetIndex(ptr, i))
			}
		},
	}, nil
}

type structField struct {
	field  reflect2.StructField
	offset int
	codec  *codec
}

func buildStruct(typ reflect2.StructType, size int) (*codec, error) {
	var fields []structField
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if field.Tag().Get("encoding") == "ignore" {
			continue
		}
		c, err := codecOf(field.Type())
		if err != nil {
			return nil, err
		}
		fields = append(fields, structField{field: field, offset: int(field.Offset()), codec: c})
	}
	return &codec{
		size: size,
		encode: func(buf []byte, ptr unsafe.Pointer) {
			for _, f := range fields {
				f.codec.encode(buf[f.offset:], f.field.UnsafeGet(ptr))
			}
		},
		decode: func(buf []byte, ptr unsafe.Pointer) {
			for _, f := range fields {
				f.codec.decode(buf[f.offset:], f.field.UnsafeGet(ptr))
			}
		},
	}, nil
}

// valueOf resolves v to its element type and a pointer to its storage.
func valueOf(v any, needPtr bool) (reflect2.Type, unsafe.Pointer, error) {
	if v == nil {
		return nil, nil, ErrNotPointer
	}
	typ := reflect2.TypeOf(v)
	if typ.Kind() == reflect.Ptr {
		ptr := reflect2.PtrOf(v)
		if ptr == nil {
			return nil, nil, ErrNotPointer
		}
		return typ.(reflect2.PtrType).Elem(), ptr, nil
	} else if needPtr {
		return nil, nil, ErrNotPointer
	}
	ptr := typ.UnsafeNew()
	typ.UnsafeSet(ptr, reflect2.PtrOf(v))
	return typ, ptr, nil
}

// Size is the in-memory size of v, or of *v when v is a pointer.
func Size(v any) (int, error) {
	typ, _, err := valueOf(v, false)
	if err != nil {
		return 0, err
	}
	c, err := codecOf(typ)
	if err != nil {
		return 0, err
	}
	return c.size, nil
}

func Marshal(v any) ([]byte, error) {
	typ, ptr, err := valueOf(v, false)
	if err != nil {
		return nil, err
	}
	c, err := codecOf(typ)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, c.size)
	c.encode(buf, ptr)
	return buf, nil
}

func Unmarshal(data []byte, v any) error {
	typ, ptr, err := valueOf(v, true)
	if err != nil {
		return err
	}
	c, err := codecOf(typ)
	if err != nil {
		return err
	} else if len(data) < c.size {
		return ErrShortBuffer
	}
	c.decode(data, ptr)
	return nil
}

// Words encodes v and pads the result to whole 64-bit words.
func Words(v any) ([]uint64, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	words := make([]uint64, (len(data)+7)/8)
	for i := range words {
		var buf [8]byte
		copy(buf[:], data[i*8:])
		words[i] = binary.LittleEndian.Uint64(buf[:])
	}
	return words, nil
}

func FromWords(words []uint64, v any) error {
	data := make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(data[i*8:], w)
	}
	return Unmarshal(data, v)
}
