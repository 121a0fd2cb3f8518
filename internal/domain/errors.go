package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInvalidHash         = errors.New("content hash must be a 64-character lowercase hex sha256 digest")
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnavailable         = errors.New("storage backend unavailable")
	ErrUnsupportedProvider = errors.New("unsupported storage provider")
	ErrUnsatisfiableRange  = errors.New("requested range not satisfiable")
)
