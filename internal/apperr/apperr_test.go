package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelMatchesKind(t *testing.T) {
	errDealGone := New(ErrNotFound, "deal not found")
	wrapped := fmt.Errorf("load deal: %w", errDealGone)

	assert.True(t, errors.Is(wrapped, errDealGone))
	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.False(t, errors.Is(wrapped, ErrStateConflict))
	assert.Equal(t, "load deal: deal not found", wrapped.Error())
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{Validation("amount must be positive"), http.StatusBadRequest, "validation_error"},
		{New(ErrAuthorization, "only the seller"), http.StatusForbidden, "forbidden"},
		{New(ErrAuthentication, "wrong pin"), http.StatusUnauthorized, "authentication_failed"},
		{New(ErrInsufficientFunds, "short"), http.StatusConflict, "insufficient_funds"},
		{New(ErrStateConflict, "bad status"), http.StatusConflict, "state_conflict"},
		{New(ErrChainUnconfirmed, "retry"), http.StatusServiceUnavailable, "chain_unconfirmed"},
		{New(ErrUnsupported, "split"), http.StatusNotImplemented, "unsupported"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		status, code := HTTPStatus(fmt.Errorf("op: %w", tt.err))
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
