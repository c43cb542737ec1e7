// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrValidation indicates malformed trigger input, rejected without side effects.
	ErrValidation = errors.New("validation error")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConnectionFailure indicates the external source database is unreachable.
	// Never a reason to mutate or delete local data; callers retry later.
	ErrConnectionFailure = errors.New("source connection failure")

	// ErrKeyVersionMismatch indicates a ciphertext tagged with an unsupported key version.
	ErrKeyVersionMismatch = errors.New("key version mismatch")

	// ErrInvalidPayload indicates a malformed ciphertext payload.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrDecryptionFailure indicates an authentication-tag mismatch during decryption.
	ErrDecryptionFailure = errors.New("decryption failure")

	// ErrLockContention indicates a sync run already holds the lock.
	// Callers skip the run rather than queue behind it.
	ErrLockContention = errors.New("lock contention")
)
