package tenant

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyTenant is returned for an empty tenant identity
	ErrEmptyTenant = errors.New("tenant must not be empty")
	// ErrEmptyContent rejects a send with no content before it reaches the transport
	ErrEmptyContent = errors.New("message content is empty")
	// ErrNotConnected is returned when the tenant holds no live session
	ErrNotConnected = errors.New("tenant not connected")
	// ErrUnknownTopic is returned for a topic outside the configured set
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrClosed is returned after the manager has been closed
	ErrClosed = errors.New("manager closed")
	// ErrSuperseded marks an attempt overtaken by a newer connect or disconnect
	ErrSuperseded = errors.New("connection attempt superseded")
)

// ConnectError is a failed connection attempt
type ConnectError struct {
	Tenant  string
	Attempt int
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect tenant %s (attempt %d): %v", e.Tenant, e.Attempt, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ParseError is an inbound payload that is not a valid message
type ParseError struct {
	Tenant string
	Topic  string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse message for tenant %s on %s: %v", e.Tenant, e.Topic, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// TenantMismatchError is a message addressed to a different tenant
type TenantMismatchError struct {
	Want string
	Got  string
}

func (e *TenantMismatchError) Error() string {
	return fmt.Sprintf("message rejected - wrong tenant (got %q, expected %q)", e.Got, e.Want)
}

// RetryExhaustedError ends a connect cycle after the retry budget is spent
type RetryExhaustedError struct {
	Tenant   string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("failed to reconnect tenant %s after %d attempts: %v", e.Tenant, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }
