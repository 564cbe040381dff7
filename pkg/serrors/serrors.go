// Package serrors provides coded sentinel errors for stable error taxonomies.
package serrors

import "errors"

// Base is an error with a machine-readable code and an optional hint for
// operators. It is intended to be used as a sentinel wrapped with %w.
type Base struct {
	Code    string
	Message string
	Hint    string
}

func NewError(code, message, hint string) *Base {
	return &Base{Code: code, Message: message, Hint: hint}
}

func (e *Base) Error() string {
	return e.Message
}

// CodeOf returns the code of the first *Base in err's chain, or "".
func CodeOf(err error) string {
	var b *Base
	if errors.As(err, &b) {
		return b.Code
	}
	return ""
}

// HintOf returns the operator hint of the first *Base in err's chain, or "".
func HintOf(err error) string {
	var b *Base
	if errors.As(err, &b) {
		return b.Hint
	}
	return ""
}
