package orders

import (
	"bytes"
	"encoding/json"
)

type patchState uint8

const (
	patchAbsent patchState = iota
	patchUnset
	patchSet
)

// Patch distinguishes an absent field (no-op), an explicit null (unset) and a value.
// The zero value is absent.
type Patch[T any] struct {
	state patchState
	value T
}

func Set[T any](v T) Patch[T] { return Patch[T]{state: patchSet, value: v} }
func Unset[T any]() Patch[T]  { return Patch[T]{state: patchUnset} }

func (p Patch[T]) Present() bool    { return p.state != patchAbsent }
func (p Patch[T]) IsUnset() bool    { return p.state == patchUnset }
func (p Patch[T]) Value() (T, bool) { return p.value, p.state == patchSet }

// UnmarshalJSON is only invoked for keys present in the document, so absence stays
// the zero value.
func (p *Patch[T]) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*p = Unset[T]()
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = Set(v)
	return nil
}

// Merge applies p onto dst. Unset resets dst to the zero value. It reports whether
// dst changed, using eq for comparison.
func Merge[T any](dst *T, p Patch[T], eq func(a, b T) bool) bool {
	switch p.state {
	case patchUnset:
		var zero T
		if eq(*dst, zero) {
			return false
		}
		*dst = zero
		return true
	case patchSet:
		if eq(*dst, p.value) {
			return false
		}
		*dst = p.value
		return true
	}
	return false
}

// MergePtr applies p onto an optional field. Unset clears it to nil.
func MergePtr[T any](dst **T, p Patch[T], eq func(a, b T) bool) bool {
	switch p.state {
	case patchUnset:
		if *dst == nil {
			return false
		}
		*dst = nil
		return true
	case patchSet:
		if *dst != nil && eq(**dst, p.value) {
			return false
		}
		v := p.value
		*dst = &v
		return true
	}
	return false
}

func Equal[T comparable](a, b T) bool { return a == b }
