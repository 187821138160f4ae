package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/oracle/oci-go-sdk/v65/common"

	"github.com/snatchd/snatchd/pkg/types"
)

// Classification is the outcome of inspecting a provider error.
type Classification string

const (
	ClassCapacity  Classification = "capacity"
	ClassTransient Classification = "transient"
	ClassPermanent Classification = "permanent"
)

// Classify implements the union capacity rule from the error-handling
// design: any of status 429, a code containing TooManyRequests or
// LimitExceeded, or a message containing "Out of host capacity" is
// capacity, non-terminal inside the snatch loop.
func Classify(err error) Classification {
	svcErr, ok := common.IsServiceError(err)
	if !ok {
		return ClassTransient
	}

	if svcErr.GetHTTPStatusCode() == 429 {
		return ClassCapacity
	}
	code := svcErr.GetCode()
	if strings.Contains(code, "TooManyRequests") || strings.Contains(code, "LimitExceeded") {
		return ClassCapacity
	}
	if strings.Contains(svcErr.GetMessage(), "Out of host capacity") {
		return ClassCapacity
	}

	status := svcErr.GetHTTPStatusCode()
	if status >= 500 {
		return ClassTransient
	}
	return ClassPermanent
}

// WrapError converts a raw provider failure into the matching error kind,
// preserving the full error text. Errors that already carry a kind pass
// through unchanged, so operation-level wrapping can be applied at the
// terminal edge without double-tagging.
func WrapError(err error) error {
	if err == nil {
		return nil
	}

	var validation *types.ValidationError
	var cred *types.CredentialError
	var proxy *types.ProxyError
	var unreachable *types.ProviderUnreachable
	var data *types.DataError
	if errors.As(err, &validation) || errors.As(err, &cred) || errors.As(err, &proxy) ||
		errors.As(err, &unreachable) || errors.As(err, &data) {
		return err
	}

	if svcErr, ok := common.IsServiceError(err); ok {
		switch Classify(err) {
		case ClassCapacity:
			return &types.ProviderCapacityError{Msg: err.Error()}
		case ClassTransient:
			return &types.ProviderTransientError{Msg: err.Error()}
		default:
			if code := svcErr.GetHTTPStatusCode(); code == 401 || code == 403 {
				return &types.AuthError{Msg: err.Error()}
			}
			return &types.ProviderPermanentError{Msg: err.Error()}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &types.ProviderUnreachable{Msg: err.Error()}
	}
	return &types.ProviderTransientError{Msg: err.Error()}
}
