// Package getbytes views numeric slices as byte slices without copying.
// The result shares memory with the input and uses the host byte order.
package getbytes

import (
	"unsafe"
)

// Number is the set of element types that can be viewed as bytes.
type Number interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

// FromSlice converts a numeric slice to []byte using unsafe
func FromSlice[T Number](d []T) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0])
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// LittleEndian tells whether the host stores words least significant byte first.
func LittleEndian() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}
