package errutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type statusErr struct{}

func (statusErr) Error() string      { return "boom" }
func (statusErr) Status() CoreStatus { return StatusTooManyRequests }

func TestWriteErrorHidesInternalCause(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)

	WriteError(rec, req, fmt.Errorf("dial tcp 10.0.0.1:5432: connection refused"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "10.0.0.1")
	require.Contains(t, rec.Body.String(), `"internal"`)
}

func TestWriteErrorKeepsBaseError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)

	err := PaymentRequired("not enough chips", errors.New("ledger"), WithDetail("shortfall", "2"))
	WriteError(rec, req, fmt.Errorf("wrapped: %w", err), func(h http.Header) { h.Set("X-Test", "1") })

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.Equal(t, "1", rec.Header().Get("X-Test"))
	require.Contains(t, rec.Body.String(), "not enough chips")
	require.Contains(t, rec.Body.String(), "shortfall")
	require.NotContains(t, rec.Body.String(), "ledger")
}

func TestFromStatusCoder(t *testing.T) {
	be := From(statusErr{})
	require.Equal(t, StatusTooManyRequests, be.Code)
	require.Equal(t, http.StatusTooManyRequests, be.Code.HTTPStatus())

	require.Equal(t, StatusClientClosedRequest, From(context.Canceled).Code)
}

func TestToGRPCError(t *testing.T) {
	require.NoError(t, ToGRPCError(nil))

	st, ok := status.FromError(ToGRPCError(NotFound("missing", nil)))
	require.True(t, ok)
	require.Equal(t, codes.NotFound, st.Code())
	require.Equal(t, "missing", st.Message())
}
