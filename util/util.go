// Package util contains small helpers used across the kernel: a local
// generic integer constraint plus round/readn/writen helpers.
package util

import "unsafe"

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// Readn reads n little-endian bytes from a starting at off.
func Readn(a []uint8, n int, off int) uint64 {
	if off < 0 || off+n > len(a) {
		panic("Readn out of bounds")
	}
	var ret uint64
	for i := n - 1; i >= 0; i-- {
		ret = ret<<8 | uint64(a[off+i])
	}
	return ret
}

// Writen writes val using n little-endian bytes into a starting at off.
func Writen(a []uint8, n int, off int, val uint64) {
	if off < 0 || off+n > len(a) {
		panic("Writen out of bounds")
	}
	for i := 0; i < n; i++ {
		a[off+i] = uint8(val)
		val >>= 8
	}
}

// Zero clears n bytes of p starting at off.
func Zero(p []uint8, off, n int) {
	for i := off; i < off+n; i++ {
		p[i] = 0
	}
}

// BytesOf reinterprets a pointer to a fixed-size value as a byte slice;
// used sparingly, at the page-table/on-disk-struct boundary only.
func BytesOf[T any](p *T) []uint8 {
	sz := int(unsafe.Sizeof(*p))
	return unsafe.Slice((*uint8)(unsafe.Pointer(p)), sz)
}
