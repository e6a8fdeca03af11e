package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestCheckoutCreate(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	provider := NewMockCheckoutProvider(ctrl)

	provider.EXPECT().
		CreateSession(gomock.Any(), SessionRequest{
			ClientReference: "acc_new",
			LineItems:       []CheckoutLineItem{{PriceRef: "price_large", Quantity: 1}},
			SuccessURL:      "https://app.test/ok",
			CancelURL:       "https://app.test/cancel",
		}).
		Return(&Session{ID: "cs_9", URL: "https://pay.test/cs_9"}, nil)

	checkout := NewCheckout(f.store, f.catalog, provider, "https://app.test/ok", "https://app.test/cancel", nil)
	session, err := checkout.Create(context.Background(), "acc_new", "price_large")
	require.NoError(t, err)
	require.Equal(t, "https://pay.test/cs_9", session.URL)

	// the account exists before the provider can call back
	_, err = f.store.GetAccount(context.Background(), "acc_new")
	require.NoError(t, err)
}

func TestCheckoutErrors(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	provider := NewMockCheckoutProvider(ctrl)
	checkout := NewCheckout(f.store, f.catalog, provider, "", "", nil)
	ctx := context.Background()

	_, err := checkout.Create(ctx, "acc_1", "price_old")
	require.ErrorIs(t, err, ErrUnknownPackage)

	provider.EXPECT().CreateSession(gomock.Any(), gomock.Any()).Return(nil, errors.New("provider down"))
	_, err = checkout.Create(ctx, "acc_1", "price_small")
	require.ErrorIs(t, err, ErrCheckoutUnavailable)

	provider.EXPECT().CreateSession(gomock.Any(), gomock.Any()).Return(&Session{ID: "cs_x"}, nil)
	_, err = checkout.Create(ctx, "acc_1", "price_small")
	require.ErrorIs(t, err, ErrCheckoutUnavailable)
}

func TestCheckoutEnsureAccountFailure(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	accounts := NewMockAccountEnsurer(ctrl)
	provider := NewMockCheckoutProvider(ctrl)

	boom := errors.New("db down")
	accounts.EXPECT().EnsureAccount(gomock.Any(), "acc_1").Return(nil, boom)

	_, err := NewCheckout(accounts, f.catalog, provider, "", "", nil).Create(context.Background(), "acc_1", "price_small")
	require.ErrorIs(t, err, boom)
}

func TestHTTPCheckoutProvider(t *testing.T) {
	var got SessionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(Session{ID: "cs_1", URL: "https://pay.test/cs_1"})
	}))
	defer srv.Close()

	p := NewHTTPCheckoutProvider(srv.URL, "sk_test", srv.Client())
	session, err := p.CreateSession(context.Background(), SessionRequest{
		ClientReference: "acc_1",
		LineItems:       []CheckoutLineItem{{PriceRef: "price_small", Quantity: 1}},
	})
	require.NoError(t, err)
	require.Equal(t, "cs_1", session.ID)
	require.Equal(t, "acc_1", got.ClientReference)
	require.Equal(t, int64(1), got.LineItems[0].Quantity)
}

func TestHTTPCheckoutProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPCheckoutProvider(srv.URL, "", srv.Client()).CreateSession(context.Background(), SessionRequest{})
	require.ErrorContains(t, err, "502")

	_, err = NewHTTPCheckoutProvider("", "", nil).CreateSession(context.Background(), SessionRequest{})
	require.Error(t, err)
}
