package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{BadRequest, http.StatusBadRequest},
		{NotFound, http.StatusNotFound},
		{Conflict, http.StatusConflict},
		{Unavailable, http.StatusServiceUnavailable},
		{Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.code, "x").HTTPStatus())
		})
	}
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("save event: %w", Wrap(Unavailable, "event store", cause))

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, Unavailable, CodeOf(err))
	assert.Equal(t, "save event: event store: connection reset", err.Error())
}

func TestCodeOf_PlainError(t *testing.T) {
	assert.Equal(t, Internal, CodeOf(errors.New("boom")))
	assert.False(t, IsNotFound(nil))
	assert.True(t, IsNotFound(fmt.Errorf("get: %w", New(NotFound, "job not found"))))
}
