package dex

import "github.com/pkg/errors"

var (
	ErrInvalidTag               = errors.New("tag exceeds 15 characters")
	ErrNotFound                 = errors.New("blob not found")
	ErrInvalidArgument          = errors.New("invalid argument")
	ErrEncryptionKeyUnavailable = errors.New("encryption key unavailable")
)
