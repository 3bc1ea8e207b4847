package model

import (
	"errors"
)

type ErrorCategory string

const (
	CategoryUpstreamAuth   ErrorCategory = "upstream_auth"
	CategoryUpstreamFormat ErrorCategory = "upstream_format"
	CategoryDecode         ErrorCategory = "decode"
	CategoryInference      ErrorCategory = "inference"
	CategoryNotify         ErrorCategory = "notify"
	CategoryPersist        ErrorCategory = "persist"
	CategoryInternal       ErrorCategory = "internal"
)

var (
	ErrUpstreamAuth   = errors.New("upstream rejected request")
	ErrUpstreamFormat = errors.New("stream address not found in upstream response")
	ErrDecode         = errors.New("frame decode failed")
	ErrEndOfStream    = errors.New("end of stream")
	ErrInference      = errors.New("inference failed")
	ErrNotify         = errors.New("notification delivery failed")
	ErrPersist        = errors.New("persist failed")
)

// Categorize maps an error chain to its alert category.
func Categorize(err error) ErrorCategory {
	switch {
	case err == nil:
		return CategoryInternal
	case errors.Is(err, ErrUpstreamAuth):
		return CategoryUpstreamAuth
	case errors.Is(err, ErrUpstreamFormat):
		return CategoryUpstreamFormat
	case errors.Is(err, ErrDecode), errors.Is(err, ErrEndOfStream):
		return CategoryDecode
	case errors.Is(err, ErrInference):
		return CategoryInference
	case errors.Is(err, ErrNotify):
		return CategoryNotify
	case errors.Is(err, ErrPersist):
		return CategoryPersist
	}
	return CategoryInternal
}
