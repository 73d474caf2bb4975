package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSample = New(KindNotFound, "thing_not_found", "thing not found")

func TestIsMatchesByCode(t *testing.T) {
	custom := errSample.WithMessage("thing txn_123 not found")
	assert.True(t, errors.Is(custom, errSample))
	assert.Equal(t, "thing txn_123 not found", custom.Error())

	other := New(KindNotFound, "other_not_found", "thing not found")
	assert.False(t, errors.Is(other, errSample))
}

func TestKindOfWrapped(t *testing.T) {
	wrapped := fmt.Errorf("load: %w", errSample)
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, "thing_not_found", CodeOf(wrapped))

	plain := errors.New("boom")
	assert.Equal(t, KindInternal, KindOf(plain))
	assert.Equal(t, "internal_error", CodeOf(plain))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindNotFound:         http.StatusNotFound,
		KindForbidden:        http.StatusForbidden,
		KindValidation:       http.StatusBadRequest,
		KindPaymentRequired:  http.StatusPaymentRequired,
		KindDeadlineExpired:  http.StatusGone,
		KindInvalidState:     http.StatusConflict,
		KindAlreadyEscalated: http.StatusConflict,
		KindInternal:         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), kind.String())
	}
}
