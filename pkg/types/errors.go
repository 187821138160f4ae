package types

import "errors"

// Error kinds classify failures for errors.As-based handling in the HTTP
// layer and in task-failure reporting. They mirror the provider's own
// error taxonomy rather than wrapping it.

// ValidationError is bad input, an unknown alias, or an action that does
// not apply in the resource's current lifecycle state. Surfaced as a
// 400-class response; no task row is created.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

// AuthError is a rejected credential or an invalid panel API key.
// Surfaced as 401/403.
type AuthError struct{ Msg string }

func (e *AuthError) Error() string { return e.Msg }

// ProviderCapacityError is a 429 / OutOfHostCapacity / LimitExceeded
// response. Recoverable inside the snatch loop; a terminal failure for
// any non-snatch operation.
type ProviderCapacityError struct{ Msg string }

func (e *ProviderCapacityError) Error() string { return e.Msg }

// ProviderTransientError is a timeout, 5xx, or network reset. Treated
// identically to capacity inside the snatch loop; a terminal failure
// elsewhere (no automatic retry at the action level).
type ProviderTransientError struct{ Msg string }

func (e *ProviderTransientError) Error() string { return e.Msg }

// ProviderPermanentError is a 4xx response other than auth or capacity.
// Terminal for the affected operation.
type ProviderPermanentError struct{ Msg string }

func (e *ProviderPermanentError) Error() string { return e.Msg }

// DataError is corrupted progress JSON or a profile missing during
// recovery. Always terminal-fails the task.
type DataError struct{ Msg string }

func (e *DataError) Error() string { return e.Msg }

// InfrastructureError is the task store locked beyond its write timeout,
// or an unreachable dependency outside the provider API. HTTP handlers
// answer 503; worker-level retries for this kind are out of scope.
type InfrastructureError struct{ Msg string }

func (e *InfrastructureError) Error() string { return e.Msg }

// CredentialError is bad key material rejected during ProviderClient
// construction or validation.
type CredentialError struct{ Msg string }

func (e *CredentialError) Error() string { return e.Msg }

// ProxyError is a configured HTTP proxy that could not be dialed.
type ProxyError struct{ Msg string }

func (e *ProxyError) Error() string { return e.Msg }

// ProviderUnreachable is a timeout or transport failure reaching the
// provider API, independent of any specific request's outcome.
type ProviderUnreachable struct{ Msg string }

func (e *ProviderUnreachable) Error() string { return e.Msg }

// ErrTaskNotDeletable is returned when DELETE /tasks/{id} targets a row
// that is neither terminal nor paused.
var ErrTaskNotDeletable = errors.New("task is not in a deletable state")

// ErrNotFound is returned by store Get methods when the key is absent.
var ErrNotFound = errors.New("not found")
