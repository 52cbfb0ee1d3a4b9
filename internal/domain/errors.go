package domain

import "errors"

var (
	ErrJobNotFound       = errors.New("import job not found")
	ErrJobTerminal       = errors.New("import job already in a terminal state")
	ErrNaturalKeyExists  = errors.New("natural key already exists")
	ErrTooManyRows       = errors.New("row count exceeds limit")
	ErrInputTooLarge     = errors.New("input exceeds byte limit")
	ErrMalformedInput    = errors.New("malformed input")
	ErrUnsupportedKind   = errors.New("unsupported record kind")
	ErrUnsupportedFormat = errors.New("unsupported input format")
)
