package domain

import "errors"

var (
	ErrNotFound                  = errors.New("not found")
	ErrEmptyLegs                 = errors.New("leg list is empty")
	ErrInvalidLegSpec            = errors.New("invalid leg spec")
	ErrZeroCollateral            = errors.New("zero collateral")
	ErrInsufficientAttachedValue = errors.New("insufficient attached value")
	ErrExcessAttachedValue       = errors.New("excess attached value")
	ErrUnknownPositionKey        = errors.New("unknown position key")
	ErrUnknownManagerTag         = errors.New("unknown manager tag")
	ErrPriceLimitExceeded        = errors.New("price limit exceeded")
	ErrNoCurrentInfo             = errors.New("venue has no current info")
	ErrNoFeeStream               = errors.New("venue has no fee stream")
	ErrInsufficientBalance       = errors.New("insufficient token balance")
	ErrLockHeld                  = errors.New("lock already held")
)
