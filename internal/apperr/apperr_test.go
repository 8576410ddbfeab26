package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want int
		kind string
	}{
		{name: "nil", err: nil, want: http.StatusOK, kind: "none"},
		{name: "auth", err: fmt.Errorf("refresh: %w: %w", ErrAuth, cause), want: http.StatusUnauthorized, kind: "auth"},
		{name: "upstream", err: fmt.Errorf("list: %w: %w", ErrUpstream, cause), want: http.StatusBadGateway, kind: "upstream"},
		{name: "validation", err: fmt.Errorf("decode: %w", ErrValidation), want: http.StatusBadGateway, kind: "validation"},
		{name: "not found", err: ErrNotFound, want: http.StatusNotFound, kind: "not_found"},
		{name: "conflict", err: ErrConflict, want: http.StatusConflict, kind: "conflict"},
		{name: "corrupt store", err: fmt.Errorf("decode results document: %w: %w", ErrCorrupt, cause), want: http.StatusInternalServerError, kind: "corrupt"},
		{name: "canceled", err: fmt.Errorf("sync: %w", context.Canceled), want: http.StatusServiceUnavailable, kind: "canceled"},
		{name: "other", err: cause, want: http.StatusInternalServerError, kind: "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
			assert.Equal(t, tt.kind, Kind(tt.err))
		})
	}
}
