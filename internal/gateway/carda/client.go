package carda

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/stripe/stripe-go/v84"
)

// intentsAPI is the slice of the Stripe API the adapter uses. Every call
// takes the restaurant's secret key since each restaurant is its own
// Stripe account.
type intentsAPI interface {
	CreateIntent(ctx context.Context, key string, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error)
	ConfirmIntent(ctx context.Context, key, id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	RetrieveIntent(ctx context.Context, key, id string, params *stripe.PaymentIntentRetrieveParams) (*stripe.PaymentIntent, error)
	CreateRefund(ctx context.Context, key string, params *stripe.RefundCreateParams) (*stripe.Refund, error)
}

// sdkClient keeps one stripe.Client per secret key. Network retries are
// disabled in the SDK; gateway.Caller owns the retry policy.
type sdkClient struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*stripe.Client
}

func newSDKClient(baseURL string, httpClient *http.Client) *sdkClient {
	return &sdkClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
		clients:    make(map[string]*stripe.Client),
	}
}

func (s *sdkClient) client(key string) *stripe.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[key]; ok {
		return c
	}
	cfg := &stripe.BackendConfig{
		HTTPClient:        s.httpClient,
		MaxNetworkRetries: stripe.Int64(0),
	}
	if s.baseURL != "" {
		cfg.URL = stripe.String(s.baseURL)
	}
	c := stripe.NewClient(key, stripe.WithBackends(stripe.NewBackendsWithConfig(cfg)))
	s.clients[key] = c
	return c
}

func (s *sdkClient) CreateIntent(ctx context.Context, key string, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error) {
	return s.client(key).V1PaymentIntents.Create(ctx, params)
}

func (s *sdkClient) ConfirmIntent(ctx context.Context, key, id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
	return s.client(key).V1PaymentIntents.Confirm(ctx, id, params)
}

func (s *sdkClient) RetrieveIntent(ctx context.Context, key, id string, params *stripe.PaymentIntentRetrieveParams) (*stripe.PaymentIntent, error) {
	return s.client(key).V1PaymentIntents.Retrieve(ctx, id, params)
}

func (s *sdkClient) CreateRefund(ctx context.Context, key string, params *stripe.RefundCreateParams) (*stripe.Refund, error) {
	return s.client(key).V1Refunds.Create(ctx, params)
}
