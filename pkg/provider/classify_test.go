package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/snatchd/snatchd/pkg/types"
)

// svcError satisfies the SDK's ServiceError interface for table cases.
type svcError struct {
	status  int
	code    string
	message string
}

func (e svcError) Error() string           { return fmt.Sprintf("%d %s: %s", e.status, e.code, e.message) }
func (e svcError) GetHTTPStatusCode() int  { return e.status }
func (e svcError) GetMessage() string      { return e.message }
func (e svcError) GetCode() string         { return e.code }
func (e svcError) GetOpcRequestID() string { return "req-1" }

func TestClassifyCapacityUnion(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Classification
	}{
		{"status 429", svcError{status: 429, code: "TooManyRequests"}, ClassCapacity},
		{"TooManyRequests code on 500", svcError{status: 500, code: "TooManyRequests"}, ClassCapacity},
		{"LimitExceeded code", svcError{status: 400, code: "LimitExceeded"}, ClassCapacity},
		{"out of host capacity message on 500", svcError{status: 500, code: "InternalError", message: "Out of host capacity."}, ClassCapacity},
		{"plain 500", svcError{status: 500, code: "InternalError", message: "boom"}, ClassTransient},
		{"plain 404", svcError{status: 404, code: "NotAuthorizedOrNotFound"}, ClassPermanent},
		{"non-service error", errors.New("connection reset"), ClassTransient},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Classify(c.err))
		})
	}
}

func TestWrapErrorMapsKinds(t *testing.T) {
	var capacity *types.ProviderCapacityError
	assert.True(t, errors.As(WrapError(svcError{status: 429, code: "TooManyRequests"}), &capacity))

	var transient *types.ProviderTransientError
	assert.True(t, errors.As(WrapError(svcError{status: 503, code: "InternalError"}), &transient))
	assert.True(t, errors.As(WrapError(errors.New("connection reset")), &transient))

	var permanent *types.ProviderPermanentError
	assert.True(t, errors.As(WrapError(svcError{status: 409, code: "IncorrectState"}), &permanent))

	var auth *types.AuthError
	assert.True(t, errors.As(WrapError(svcError{status: 401, code: "NotAuthenticated"}), &auth))

	var unreachable *types.ProviderUnreachable
	assert.True(t, errors.As(WrapError(context.DeadlineExceeded), &unreachable))
}

func TestWrapErrorPassesTypedKindsThrough(t *testing.T) {
	validation := &types.ValidationError{Msg: "instance must be STOPPED"}
	assert.Same(t, validation, WrapError(validation).(*types.ValidationError))

	cred := &types.CredentialError{Msg: "bad key"}
	assert.Same(t, cred, WrapError(cred).(*types.CredentialError))

	assert.Nil(t, WrapError(nil))
}

func TestWrapErrorPreservesMessage(t *testing.T) {
	err := fmt.Errorf("launch instance: %w", svcError{status: 429, code: "TooManyRequests", message: "slow down"})
	wrapped := WrapError(err)
	assert.Contains(t, wrapped.Error(), "launch instance")
}
