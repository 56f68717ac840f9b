package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/mesa-payments/pkg/config"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mesa-payments/pkg/errors"
	"github.com/angelmondragon/mesa-payments/pkg/metrics"
)

func fastPolicy(retries uint64) config.ProviderConfig {
	return config.ProviderConfig{
		Timeout:    time.Second,
		MaxRetries: retries,
		RetryBase:  time.Millisecond,
		RetryCap:   2 * time.Millisecond,
	}
}

func TestCallerRetriesUnreachableWithSameKey(t *testing.T) {
	caller := NewCaller(enums.GatewayCardB, fastPolicy(3), nil, nil)
	key := "idem-1"
	var seen []string

	err := caller.Do(context.Background(), "create", func(ctx context.Context) error {
		seen = append(seen, key)
		if len(seen) < 3 {
			return Unreachable(enums.GatewayCardB, "create", errors.New("connection reset"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"idem-1", "idem-1", "idem-1"}, seen)
}

func TestCallerDoesNotRetryRejections(t *testing.T) {
	caller := NewCaller(enums.GatewayCardA, fastPolicy(5), nil, nil)
	attempts := 0

	err := caller.Do(context.Background(), "create", func(ctx context.Context) error {
		attempts++
		return Rejected(enums.GatewayCardA, "create", http.StatusPaymentRequired, `{"error":"card_declined"}`)
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, IsKind(err, KindProviderRejected))
}

func TestCallerGivesUpAfterBudget(t *testing.T) {
	caller := NewCaller(enums.GatewayTransfer, fastPolicy(2), nil, nil)
	attempts := 0

	err := caller.Do(context.Background(), "query", func(ctx context.Context) error {
		attempts++
		return Unreachable(enums.GatewayTransfer, "query", errors.New("timeout"))
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, Retryable(err))
}

func TestCallerAppliesTimeout(t *testing.T) {
	policy := fastPolicy(0)
	policy.Timeout = 10 * time.Millisecond
	caller := NewCaller(enums.GatewayCardB, policy, nil, nil)

	err := caller.Do(context.Background(), "query", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.Error(t, err)
	assert.True(t, IsKind(err, KindProviderUnreachable))
}

func TestCallerTimeoutBoundsRetries(t *testing.T) {
	policy := config.ProviderConfig{
		Timeout:    50 * time.Millisecond,
		MaxRetries: 10,
		RetryBase:  20 * time.Millisecond,
		RetryCap:   20 * time.Millisecond,
	}
	caller := NewCaller(enums.GatewayCardA, policy, nil, nil)
	attempts := 0

	started := time.Now()
	err := caller.Do(context.Background(), "create", func(ctx context.Context) error {
		attempts++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(30 * time.Millisecond):
			return Unreachable(enums.GatewayCardA, "create", errors.New("connection reset"))
		}
	})
	elapsed := time.Since(started)

	require.Error(t, err)
	assert.True(t, IsKind(err, KindProviderUnreachable))
	assert.Less(t, attempts, 11, "the deadline must stop retries before the budget does")
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestCallerRecordsCallMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewGatewayMetrics(reg)
	caller := NewCaller(enums.GatewayCardA, fastPolicy(0), m, nil)

	require.NoError(t, caller.Do(context.Background(), "create", func(ctx context.Context) error { return nil }))

	count, err := testutil.GatherAndCount(reg, "mesa_gateway_call_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFromHTTPStatusClassification(t *testing.T) {
	cases := map[int]Kind{
		http.StatusBadRequest:          KindProviderRejected,
		http.StatusUnauthorized:        KindProviderRejected,
		http.StatusPaymentRequired:     KindProviderRejected,
		http.StatusRequestTimeout:      KindProviderUnreachable,
		http.StatusTooManyRequests:     KindProviderUnreachable,
		http.StatusInternalServerError: KindProviderUnreachable,
		http.StatusBadGateway:          KindProviderUnreachable,
	}
	for status, want := range cases {
		err := FromHTTPStatus(enums.GatewayCardB, "create", status, "body")
		assert.Equal(t, want, err.Kind, "status %d", status)
		assert.Equal(t, status, err.StatusCode)
	}
}

func TestToAPIErrorMapsKinds(t *testing.T) {
	cases := map[Kind]pkgerrors.Code{
		KindNotConfigured:       pkgerrors.CodeGatewayNotConfigured,
		KindProviderRejected:    pkgerrors.CodeProviderRejected,
		KindProviderUnreachable: pkgerrors.CodeDependency,
		KindSignatureInvalid:    pkgerrors.CodeSignatureInvalid,
		KindUnknownTransaction:  pkgerrors.CodeNotFound,
		KindInvalidTransition:   pkgerrors.CodeStateConflict,
		KindNotImplemented:      pkgerrors.CodeNotImplemented,
	}
	for kind, code := range cases {
		err := ToAPIError(&Error{Kind: kind, Provider: enums.GatewayCardA, Op: "op"})
		assert.True(t, pkgerrors.Is(err, code), "kind %s", kind)
	}

	plain := errors.New("plain")
	assert.Same(t, plain, ToAPIError(plain))
	assert.Nil(t, ToAPIError(nil))
}

func TestToAPIErrorKeepsRejectionBody(t *testing.T) {
	err := ToAPIError(Rejected(enums.GatewayCardB, "create", 400, `{"message":"invalid amount"}`))
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	details, ok := typed.Details().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, `{"message":"invalid amount"}`, details["provider_body"])
}

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := SignHex("whsec", []byte(ts), []byte("."), body)

	header := ParseSignatureHeader("t=" + ts + ",v1=" + sig)
	assert.True(t, VerifyHMAC(header, "whsec", []byte(ts), []byte("."), body))
	assert.True(t, header.Within(time.Now(), 5*time.Minute))

	mpHeader := ParseSignatureHeader("ts=" + ts + ", v1=" + sig)
	assert.True(t, VerifyHMAC(mpHeader, "whsec", []byte(ts), []byte("."), body))

	flipped := []byte(sig)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}
	assert.False(t, VerifyHMAC(ParseSignatureHeader("t="+ts+",v1="+string(flipped)), "whsec", []byte(ts), []byte("."), body))
	assert.False(t, VerifyHMAC(header, "other", []byte(ts), []byte("."), body))
	assert.False(t, VerifyHMAC(header, "", []byte(ts), []byte("."), body))
	assert.False(t, VerifyHMAC(ParseSignatureHeader("garbage"), "whsec", body))
}

func TestSignatureWithinTolerance(t *testing.T) {
	old := ParseSignatureHeader("t=" + strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10) + ",v1=00")
	assert.False(t, old.Within(time.Now(), 5*time.Minute))
	assert.True(t, old.Within(time.Now(), 0))
	assert.False(t, ParseSignatureHeader("t=abc,v1=00").Within(time.Now(), time.Minute))
}

type sampleStatus string

func TestStatusTableMapsUnknownToPending(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewGatewayMetrics(reg)
	table := NewStatusTable(enums.GatewayCardB, map[sampleStatus]enums.TransactionStatus{
		"approved": enums.TransactionStatusCompleted,
		"rejected": enums.TransactionStatusFailed,
	}, m, nil)

	assert.Equal(t, enums.TransactionStatusCompleted, table.Map("approved"))
	assert.Equal(t, enums.TransactionStatusCompleted, table.Map("APPROVED"))
	assert.Equal(t, enums.TransactionStatusPending, table.Map("brand_new_code"))
	assert.Equal(t, []sampleStatus{"approved", "rejected"}, table.Keys())

	count, err := testutil.GatherAndCount(reg, "mesa_gateway_unknown_status_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

type fakeAdapter struct {
	Adapter
	gw enums.GatewayType
}

func (f fakeAdapter) Type() enums.GatewayType { return f.gw }

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry(fakeAdapter{gw: enums.GatewayTransfer}, fakeAdapter{gw: enums.GatewayCardA})
	require.NoError(t, err)

	a, err := reg.Get(enums.GatewayCardA)
	require.NoError(t, err)
	assert.Equal(t, enums.GatewayCardA, a.Type())
	assert.Equal(t, []enums.GatewayType{enums.GatewayCardA, enums.GatewayTransfer}, reg.Types())

	_, err = reg.Get(enums.GatewayCardB)
	assert.True(t, IsKind(err, KindNotConfigured))

	_, err = NewRegistry(fakeAdapter{gw: enums.GatewayCardA}, fakeAdapter{gw: enums.GatewayCardA})
	assert.Error(t, err)
}

func TestStaticCredentials(t *testing.T) {
	restaurant := uuid.New()
	src := StaticCredentials{{RestaurantID: restaurant, Gateway: enums.GatewayCardA, SecretKey: "sk_test_1"}}

	creds, err := src.Credentials(context.Background(), restaurant, enums.GatewayCardA)
	require.NoError(t, err)
	assert.Equal(t, "sk_test_1", creds.SecretKey)

	_, err = src.Credentials(context.Background(), restaurant, enums.GatewayCardB)
	assert.True(t, IsKind(err, KindNotConfigured))
}

func TestRefundAmount(t *testing.T) {
	base := RefundRequest{TransactionAmount: decimal.NewFromInt(100), AlreadyRefunded: decimal.NewFromInt(30)}

	full, err := base.RefundAmount()
	require.NoError(t, err)
	assert.True(t, full.Equal(decimal.NewFromInt(70)))

	partial := decimal.NewFromInt(20)
	base.Amount = &partial
	got, err := base.RefundAmount()
	require.NoError(t, err)
	assert.True(t, got.Equal(partial))

	tooMuch := decimal.NewFromInt(71)
	base.Amount = &tooMuch
	_, err = base.RefundAmount()
	assert.Error(t, err)
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(4590), ToMinorUnits(decimal.RequireFromString("45.90")))
	assert.True(t, FromMinorUnits(250).Equal(decimal.RequireFromString("2.50")))
}

func TestJSONClientClassifiesResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "abc", r.Header.Get("X-Idempotency-Key"))
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte(`{"id":"p1"}`))
		case "/bad":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"bad amount"}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	client := JSONClient{Gateway: enums.GatewayCardB, HTTP: srv.Client()}
	headers := http.Header{"X-Idempotency-Key": []string{"abc"}}

	var out struct {
		ID string `json:"id"`
	}
	raw, err := client.Do(context.Background(), "create", http.MethodPost, srv.URL+"/ok", headers, map[string]string{"a": "b"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "p1", out.ID)
	assert.JSONEq(t, `{"id":"p1"}`, string(raw))

	_, err = client.Do(context.Background(), "create", http.MethodPost, srv.URL+"/bad", headers, map[string]string{}, nil)
	assert.True(t, IsKind(err, KindProviderRejected))

	_, err = client.Do(context.Background(), "create", http.MethodPost, srv.URL+"/down", headers, map[string]string{}, nil)
	assert.True(t, IsKind(err, KindProviderUnreachable))
}
