package ledger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chipledger/pkg/authz"
	"chipledger/pkg/httpapi"
	"chipledger/pkg/middleware"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (http.Handler, *Store) {
	t.Helper()

	g, s := newTestGuard(t)
	enforcer, err := authz.NewFromPolicies(
		[][]string{
			{"support", "/v1/admin/accounts/:account_id/adjustments", authz.ActAdjust},
			{"support", "/v1/accounts/:account_id/*", authz.ActRead},
		},
		[][]string{{"alice", "support"}},
	)
	require.NoError(t, err)

	h := NewHandler(HandlerParams{Store: s, Guard: g, Authz: enforcer, Validator: httpapi.NewValidator()})
	mux := runtime.NewServeMux()
	require.NoError(t, h.Register(mux))

	return middleware.WithCaller(mux), s
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBalanceEndpointAccess(t *testing.T) {
	h, s := newTestServer(t)
	seedAccount(t, s, "acc_1", 7)

	rec := do(t, h, http.MethodGet, "/v1/accounts/acc_1/balance", "", map[string]string{middleware.AccountIDHeader: "acc_1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var body balanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(7), body.Balance)

	rec = do(t, h, http.MethodGet, "/v1/accounts/acc_1/balance", "", map[string]string{middleware.AccountIDHeader: "acc_2"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/accounts/acc_1/balance", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/accounts/acc_1/balance", "", map[string]string{middleware.AdminSubjectHeader: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/accounts/acc_9/balance", "", map[string]string{middleware.AccountIDHeader: "acc_9"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdjustmentEndpoint(t *testing.T) {
	h, s := newTestServer(t)
	seedAccount(t, s, "acc_1", 1)
	admin := map[string]string{middleware.AdminSubjectHeader: "alice"}

	rec := do(t, h, http.MethodPost, "/v1/admin/accounts/acc_1/adjustments",
		`{"direction":"debit","amount":3,"reason":"chargeback"}`, admin)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.Contains(t, rec.Body.String(), `"shortfall"`)

	rec = do(t, h, http.MethodPost, "/v1/admin/accounts/acc_1/adjustments",
		`{"direction":"credit","amount":4,"reason":"goodwill","idempotency_key":"tkt-1"}`, admin)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/admin/accounts/acc_1/adjustments",
		`{"direction":"credit","amount":4,"reason":"goodwill","idempotency_key":"tkt-1"}`, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	var receipt Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	require.True(t, receipt.Replayed)
	require.Equal(t, int64(5), receipt.Balance)

	rec = do(t, h, http.MethodPost, "/v1/admin/accounts/acc_1/adjustments",
		`{"direction":"credit","amount":4,"reason":"goodwill"}`, map[string]string{middleware.AdminSubjectHeader: "mallory"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/admin/accounts/acc_1/adjustments",
		`{"direction":"sideways","amount":4,"reason":"x"}`, admin)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	requireConsistent(t, s, "acc_1")
}

func TestEntriesAndVerifyEndpoints(t *testing.T) {
	h, s := newTestServer(t)
	seedAccount(t, s, "acc_1", 3)
	owner := map[string]string{middleware.AccountIDHeader: "acc_1"}

	rec := do(t, h, http.MethodGet, "/v1/accounts/acc_1/entries?limit=500", "", owner)
	require.Equal(t, http.StatusOK, rec.Code)
	var list listEntriesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	require.Equal(t, 100, list.Limit)

	rec = do(t, h, http.MethodGet, "/v1/accounts/acc_1/entries?limit=abc", "", owner)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/accounts/acc_1/verify", "", owner)
	require.Equal(t, http.StatusOK, rec.Code)
	var verify verifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verify))
	require.True(t, verify.Chain.Valid)
	require.True(t, verify.Audit.Consistent)
}

func TestClaimEndpoint(t *testing.T) {
	h, s := newTestServer(t)
	seedAccount(t, s, "acc_1", 0)

	rec := do(t, h, http.MethodPost, "/v1/accounts/acc_1/claim", `{"identity":"u-1"}`, map[string]string{middleware.AccountIDHeader: "acc_1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/accounts/acc_1/claim", `{"identity":"u-2"}`, map[string]string{middleware.AccountIDHeader: "acc_1"})
	require.Equal(t, http.StatusConflict, rec.Code)
}
