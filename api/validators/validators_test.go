package validators

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/mesa-payments/pkg/errors"
)

type checkoutBody struct {
	Gateway  string           `json:"gateway" validate:"required,gateway"`
	Amount   decimal.Decimal  `json:"amount" validate:"money"`
	Currency string           `json:"currency" validate:"required,currency"`
	Refund   *decimal.Decimal `json:"refund" validate:"omitempty,money"`
}

func decode(t *testing.T, body string) (checkoutBody, error) {
	t.Helper()
	var out checkoutBody
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	err := DecodeJSONBody(httptest.NewRecorder(), req, &out)
	return out, err
}

func details(t *testing.T, err error) map[string]string {
	t.Helper()
	apiErr := pkgerrors.As(err)
	require.NotNil(t, apiErr)
	require.Equal(t, pkgerrors.CodeValidation, apiErr.Code())
	d, ok := apiErr.Details().(map[string]string)
	require.True(t, ok, "details %T", apiErr.Details())
	return d
}

func TestDecodeJSONBodyAcceptsValidCheckout(t *testing.T) {
	out, err := decode(t, `{"gateway":"Card-B","amount":"45.90","currency":"brl"}`)
	require.NoError(t, err)
	assert.True(t, out.Amount.Equal(decimal.RequireFromString("45.9")))
	assert.Nil(t, out.Refund)
}

func TestDecodeJSONBodyRejectsAmounts(t *testing.T) {
	cases := map[string]struct {
		body  string
		field string
	}{
		"zero":       {`{"gateway":"transfer","amount":"0","currency":"BRL"}`, "amount"},
		"negative":   {`{"gateway":"transfer","amount":"-3.00","currency":"BRL"}`, "amount"},
		"sub cent":   {`{"gateway":"transfer","amount":"1.005","currency":"BRL"}`, "amount"},
		"bad refund": {`{"gateway":"transfer","amount":"1.00","currency":"BRL","refund":"0.001"}`, "refund"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decode(t, tc.body)
			assert.Contains(t, details(t, err), tc.field)
		})
	}
}

func TestDecodeJSONBodyRejectsGatewayAndCurrency(t *testing.T) {
	_, err := decode(t, `{"gateway":"paypal","amount":"1","currency":"JPY"}`)
	d := details(t, err)
	assert.Equal(t, "must be one of card-a, card-b, card-c, transfer", d["gateway"])
	assert.Equal(t, "must be one of BRL, USD, EUR", d["currency"])
}

func TestDecodeJSONBodyRejectsOversizedBody(t *testing.T) {
	body := `{"gateway":"card-a","amount":"1","currency":"BRL","pad":"` + strings.Repeat("x", MaxBodyBytes) + `"}`
	_, err := decode(t, body)
	apiErr := pkgerrors.As(err)
	require.NotNil(t, apiErr)
	assert.Equal(t, "request body too large", apiErr.Message())
}

func TestURLParamUUID(t *testing.T) {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("transactionId", "not-a-uuid")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	_, err := URLParamUUID(req, "transactionId")
	require.Error(t, err)
	_, err = URLParamUUID(req, "restaurantId")
	assert.ErrorContains(t, err, "restaurantId is required")
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "mesa 12", SanitizeString("  mesa\x00 12\n", 0))
	assert.Equal(t, "Pão", SanitizeString("Pão de queijo", 3))
}

func TestSanitizeMetadata(t *testing.T) {
	assert.Nil(t, SanitizeMetadata(nil))
	out := SanitizeMetadata(map[string]string{
		" table ": "12",
		"":        "dropped",
		"note":    strings.Repeat("a", MaxMetadataValueLen+10),
	})
	assert.Equal(t, "12", out["table"])
	assert.Len(t, out["note"], MaxMetadataValueLen)
	assert.Len(t, out, 2)
}
