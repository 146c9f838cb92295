package data

import "errors"

var (
	ErrOrderNotFound             = errors.New("order not found")
	ErrStatusConflict            = errors.New("order status conflict")
	ErrDuplicateTransaction      = errors.New("duplicate transaction hash")
	ErrNoCardsAvailable          = errors.New("no cards available in inventory")
	ErrUniqueConstraintViolation = errors.New("unique constraint violation")
)
