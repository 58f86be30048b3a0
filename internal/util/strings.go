// Package util provides small string helpers.
package util

import "strings"

// Byteseq is a string-like constraint.
type Byteseq interface {
	~string | ~[]byte
}

// UCase upper-cases a string-like value.
func UCase[T Byteseq](v T) string { return strings.ToUpper(string(v)) }

// LCase lower-cases a string-like value.
func LCase[T Byteseq](v T) string { return strings.ToLower(string(v)) }

// EqFold compares two string-like values case-insensitively.
func EqFold[T1, T2 Byteseq](a T1, b T2) bool {
	return strings.EqualFold(string(a), string(b))
}
