package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a lookup matches nothing.
	ErrNotFound = errors.New("not found")
	// ErrConflict signals a lost optimistic update; callers reload and retry.
	ErrConflict = errors.New("persistence conflict")
)

// TransientFetchError is a retryable remote failure; the SKU is retried next cycle.
type TransientFetchError struct {
	SKU string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch error for %s: %v", e.SKU, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// InvalidSkuError means the remote source does not know the SKU.
type InvalidSkuError struct {
	SKU    string
	Reason string
}

func (e *InvalidSkuError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid sku %s", e.SKU)
	}
	return fmt.Sprintf("invalid sku %s: %s", e.SKU, e.Reason)
}

// RenderError is a programming error while building a message for one target.
type RenderError struct {
	Kind    ChangeKind
	Channel string
	Err     error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s message for %s: %v", e.Channel, e.Kind, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// DeliveryError is a per-channel send failure.
type DeliveryError struct {
	Channel string
	Target  string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver via %s to %s: %v", e.Channel, e.Target, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientFetchError.
func IsTransient(err error) bool {
	var target *TransientFetchError
	return errors.As(err, &target)
}

// IsInvalidSku reports whether err is (or wraps) an InvalidSkuError.
func IsInvalidSku(err error) bool {
	var target *InvalidSkuError
	return errors.As(err, &target)
}
