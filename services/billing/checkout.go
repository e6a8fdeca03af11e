package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"chipledger/services/ledger"

	"go.uber.org/zap"
)

//go:generate mockgen -source=checkout.go -destination=mock_checkout_test.go -package=billing

// MaxQuantityPerLineItem bounds how many packages one checkout can buy.
const MaxQuantityPerLineItem = 1

type CheckoutLineItem struct {
	PriceRef string `json:"price_ref"`
	Quantity int64  `json:"quantity"`
}

type SessionRequest struct {
	ClientReference string             `json:"client_reference"`
	LineItems       []CheckoutLineItem `json:"line_items"`
	SuccessURL      string             `json:"success_url,omitempty"`
	CancelURL       string             `json:"cancel_url,omitempty"`
}

type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CheckoutProvider creates hosted checkout sessions at the billing provider.
type CheckoutProvider interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
}

type AccountEnsurer interface {
	EnsureAccount(ctx context.Context, accountID string) (*ledger.Account, error)
}

type Checkout struct {
	accounts   AccountEnsurer
	packages   PackageResolver
	provider   CheckoutProvider
	successURL string
	cancelURL  string
	log        *zap.Logger
}

func NewCheckout(accounts AccountEnsurer, packages PackageResolver, provider CheckoutProvider, successURL, cancelURL string, log *zap.Logger) *Checkout {
	if log == nil {
		log = zap.NewNop()
	}
	return &Checkout{
		accounts:   accounts,
		packages:   packages,
		provider:   provider,
		successURL: successURL,
		cancelURL:  cancelURL,
		log:        log.Named("billing.checkout"),
	}
}

// Create opens a checkout for one unit of the package behind priceRef and
// returns the provider session with its redirect URL.
func (c *Checkout) Create(ctx context.Context, accountID, priceRef string) (*Session, error) {
	if _, err := c.accounts.EnsureAccount(ctx, accountID); err != nil {
		return nil, err
	}

	pkg, err := c.packages.ByPriceRef(ctx, priceRef)
	if err != nil {
		return nil, err
	}

	session, err := c.provider.CreateSession(ctx, SessionRequest{
		ClientReference: accountID,
		LineItems:       []CheckoutLineItem{{PriceRef: pkg.PriceRef, Quantity: MaxQuantityPerLineItem}},
		SuccessURL:      c.successURL,
		CancelURL:       c.cancelURL,
	})
	if err != nil {
		c.log.Error("checkout session failed", zap.String("account_id", accountID), zap.String("price_ref", priceRef), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrCheckoutUnavailable, err)
	}
	if session == nil || session.URL == "" {
		return nil, fmt.Errorf("%w: empty session", ErrCheckoutUnavailable)
	}

	c.log.Info("checkout session created", zap.String("account_id", accountID), zap.String("session_id", session.ID), zap.String("package_id", pkg.ID))
	return session, nil
}

// HTTPCheckoutProvider posts SessionRequest as JSON to the provider's
// session endpoint.
type HTTPCheckoutProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPCheckoutProvider(endpoint, apiKey string, client *http.Client) *HTTPCheckoutProvider {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPCheckoutProvider{endpoint: endpoint, apiKey: apiKey, client: client}
}

func (p *HTTPCheckoutProvider) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	if p.endpoint == "" {
		return nil, errors.New("checkout endpoint not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("checkout provider returned %d: %s", resp.StatusCode, snippet)
	}

	var session Session
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&session); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	return &session, nil
}
