package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: already exists")
	ErrInvalidInput = errors.New("auth: invalid input")

	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrMissingToken        = errors.New("auth: missing token")
	ErrInvalidToken        = errors.New("auth: invalid token")
	ErrTokenExpired        = errors.New("auth: token expired")
	ErrMissingRefreshToken = errors.New("auth: missing refresh token")
	ErrRefreshTokenRevoked = errors.New("auth: refresh token revoked")
	ErrRefreshTokenExpired = errors.New("auth: refresh token expired")
	ErrForbidden           = errors.New("auth: forbidden")
	ErrStorageUnavailable  = errors.New("auth: storage unavailable")
)

// ForbiddenReason tells a caller why the role gate refused a request.
type ForbiddenReason string

const (
	ReasonRole           ForbiddenReason = "role"
	ReasonBranchMismatch ForbiddenReason = "branch_mismatch"
)

// ForbiddenError is returned by the role gate. It matches ErrForbidden.
type ForbiddenError struct {
	Action string
	Reason ForbiddenReason
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("auth: forbidden: %s (%s)", e.Action, e.Reason)
}

func (e *ForbiddenError) Is(target error) bool {
	return target == ErrForbidden
}

// storageError passes through the store-level sentinels and classifies any
// other failure as ErrStorageUnavailable.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}
