package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	apierrors "github.com/Saravanaperu/Webportal-SingleUser/internal/errors"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/models"
)

const testTOTPSecret = "JBSWY3DPEHPK3PXP"

func newTestBroker(t *testing.T, handler http.HandlerFunc) *AngelOneBroker {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewAngelOneBroker(AngelOneConfig{
		APIKey:     "test-key",
		ClientID:   "A123456",
		Password:   "1234",
		TOTPSecret: testTOTPSecret,
		RateLimit:  1000,
		BaseURL:    srv.URL,
	})
}

func writeEnvelope(w http.ResponseWriter, data interface{}) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    true,
		"message":   "SUCCESS",
		"errorcode": "",
		"data":      data,
	})
}

func TestLoginStoresTokens(t *testing.T) {
	var gotBody map[string]string
	b := newTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != loginPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-PrivateKey") != "test-key" {
			t.Error("missing api key header")
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeEnvelope(w, map[string]string{
			"jwtToken":     "jwt-abc",
			"refreshToken": "refresh-abc",
			"feedToken":    "feed-abc",
		})
	})

	tokens, err := b.Login(context.Background())
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if tokens.JWT != "jwt-abc" || tokens.Feed != "feed-abc" {
		t.Errorf("tokens not propagated: %+v", tokens)
	}
	if !b.IsAuthenticated() {
		t.Error("not authenticated after login")
	}
	if gotBody["clientcode"] != "A123456" {
		t.Errorf("client code %q", gotBody["clientcode"])
	}
	if len(gotBody["totp"]) != 6 {
		t.Errorf("totp %q is not a 6-digit code", gotBody["totp"])
	}
}

func TestLoginRejectedByBroker(t *testing.T) {
	b := newTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    false,
			"message":   "Invalid Password",
			"errorcode": "AB1007",
		})
	})

	_, err := b.Login(context.Background())
	if err == nil {
		t.Fatal("expected login failure")
	}
	var brokerErr *apierrors.BrokerError
	if !apierrors.As(err, &brokerErr) {
		t.Fatalf("expected BrokerError, got %T", err)
	}
	if brokerErr.Code != "AB1007" {
		t.Errorf("code %q, want AB1007", brokerErr.Code)
	}
}

func TestSessionExpiryDetected(t *testing.T) {
	b := newTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	b.authenticated = true

	_, err := b.GetAccountDetails(context.Background())
	if !apierrors.Is(err, apierrors.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if b.IsAuthenticated() {
		t.Error("still authenticated after a 401")
	}
}

func TestPlaceOrderParams(t *testing.T) {
	var gotBody map[string]string
	b := newTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeEnvelope(w, map[string]string{"orderid": "230828000123456"})
	})

	result, err := b.PlaceOrder(context.Background(), OrderParams{
		Symbol:    "NIFTY26SEP24500CE",
		Token:     "43125",
		Exchange:  models.NFO,
		Side:      models.OrderSideBuy,
		OrderType: models.OrderTypeMarket,
		Product:   models.ProductIntraday,
		Quantity:  75,
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if result.BrokerOrderID != "230828000123456" {
		t.Errorf("order id %q", result.BrokerOrderID)
	}

	want := map[string]string{
		"tradingsymbol":   "NIFTY26SEP24500CE",
		"symboltoken":     "43125",
		"transactiontype": "BUY",
		"exchange":        "NFO",
		"ordertype":       "MARKET",
		"producttype":     "INTRADAY",
		"quantity":        "75",
		"price":           "0",
	}
	for k, v := range want {
		if gotBody[k] != v {
			t.Errorf("param %s = %q, want %q", k, gotBody[k], v)
		}
	}
}

func TestGetAccountDetailsParsesRMS(t *testing.T) {
	b := newTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, map[string]string{
			"net":            "95000.50",
			"availablecash":  "90000.25",
			"utiliseddebits": "5000.25",
		})
	})

	acct, err := b.GetAccountDetails(context.Background())
	if err != nil {
		t.Fatalf("GetAccountDetails failed: %v", err)
	}
	if acct.Balance != 95000.50 {
		t.Errorf("balance %.2f", acct.Balance)
	}
	if acct.AvailableCash != 90000.25 {
		t.Errorf("cash %.2f", acct.AvailableCash)
	}
	if acct.MarginUsed != 5000.25 {
		t.Errorf("margin %.2f", acct.MarginUsed)
	}
}

func TestGetOrderBookNormalizes(t *testing.T) {
	b := newTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, []map[string]string{
			{
				"orderid":       "B1",
				"tradingsymbol": "NIFTY26SEP24500CE",
				"status":        "complete",
				"filledshares":  "75",
				"averageprice":  "101.25",
			},
			{
				"orderid":       "B2",
				"tradingsymbol": "NIFTY26SEP24600CE",
				"status":        "rejected",
				"filledshares":  "0",
				"averageprice":  "0",
				"text":          "insufficient funds",
			},
		})
	})

	updates, err := b.GetOrderBook(context.Background())
	if err != nil {
		t.Fatalf("GetOrderBook failed: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(updates))
	}
	if updates[0].Status != models.OrderStatusComplete || updates[0].FilledQuantity != 75 {
		t.Errorf("first update %+v", updates[0])
	}
	if updates[1].Status != models.OrderStatusRejected || updates[1].Text != "insufficient funds" {
		t.Errorf("second update %+v", updates[1])
	}
}

func TestGetPositionsSkipsFlat(t *testing.T) {
	b := newTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, []map[string]string{
			{"tradingsymbol": "A", "netqty": "75", "avgnetprice": "100.50"},
			{"tradingsymbol": "B", "netqty": "0", "avgnetprice": "50.00"},
			{"tradingsymbol": "C", "netqty": "-30", "avgnetprice": "220.00"},
		})
	})

	positions, err := b.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("GetPositions failed: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("got %d positions, want 2 (flat skipped)", len(positions))
	}
	if positions[0].Side != models.OrderSideBuy || positions[0].Quantity != 75 {
		t.Errorf("long position %+v", positions[0])
	}
	if positions[1].Side != models.OrderSideSell || positions[1].Quantity != 30 {
		t.Errorf("short position %+v", positions[1])
	}
}
