package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loadforge/loadforge/pkg/serrors"
)

func TestStatusFor(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, StatusFor(CodeValidation))
	require.Equal(t, http.StatusServiceUnavailable, StatusFor(CodeEngineUnavailable))
	require.Equal(t, http.StatusTooManyRequests, StatusFor(CodeRateLimited))
	require.Equal(t, http.StatusInternalServerError, StatusFor("SOMETHING_ELSE"))
}

func TestWriteServiceError(t *testing.T) {
	notFound := serrors.NewError(CodeNotFound, "load test not found", "")
	invalid := serrors.NewError(CodeValidation, "invalid input", "")

	cases := []struct {
		name   string
		err    error
		status int
		want   ErrorEnvelope
	}{
		{
			name:   "coded",
			err:    fmt.Errorf("lookup: %w", notFound),
			status: http.StatusNotFound,
			want:   ErrorEnvelope{Code: CodeNotFound, Message: "load test not found"},
		},
		{
			name:   "validation details",
			err:    invalid.Wrap(serrors.ValidationErrors{"name": "is required"}),
			status: http.StatusBadRequest,
			want:   ErrorEnvelope{Code: CodeValidation, Message: "invalid input", Meta: map[string]string{"name": "is required"}},
		},
		{
			name:   "unexpected",
			err:    errors.New("pq: connection refused"),
			status: http.StatusInternalServerError,
			want:   ErrorEnvelope{Code: CodeInternal, Message: "internal server error"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			require.NoError(t, WriteServiceError(rec, tc.err))
			require.Equal(t, tc.status, rec.Code)
			var got ErrorEnvelope
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			require.Equal(t, tc.want, got)
		})
	}
}
