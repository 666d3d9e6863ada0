package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/time/rate"

	apierrors "github.com/Saravanaperu/Webportal-SingleUser/internal/errors"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/models"
)

const (
	apiBaseURL = "https://apiconnect.angelbroking.com"

	loginPath      = "/rest/auth/angelbroking/user/v1/loginByPassword"
	logoutPath     = "/rest/secure/angelbroking/user/v1/logout"
	rmsPath        = "/rest/secure/angelbroking/user/v1/getRMS"
	placeOrderPath = "/rest/secure/angelbroking/order/v1/placeOrder"
	cancelPath     = "/rest/secure/angelbroking/order/v1/cancelOrder"
	orderBookPath  = "/rest/secure/angelbroking/order/v1/getOrderBook"
	positionsPath  = "/rest/secure/angelbroking/order/v1/getPosition"
	ltpPath        = "/rest/secure/angelbroking/order/v1/getLtpData"
	candlePath     = "/rest/secure/angelbroking/historical/v1/getCandleData"
)

// AngelOneBroker implements the Broker interface for Angel One SmartAPI.
type AngelOneBroker struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string

	apiKey     string
	clientID   string
	password   string
	totpSecret string

	mu            sync.RWMutex
	jwtToken      string
	refreshToken  string
	feedToken     string
	authenticated bool
}

// AngelOneConfig holds configuration for the Angel One broker.
type AngelOneConfig struct {
	APIKey         string
	ClientID       string
	Password       string
	TOTPSecret     string
	RequestTimeout time.Duration
	RateLimit      float64 // requests per second
	BaseURL        string  // override for tests
}

// NewAngelOneBroker creates a new Angel One broker instance.
func NewAngelOneBroker(cfg AngelOneConfig) *AngelOneBroker {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	limit := cfg.RateLimit
	if limit == 0 {
		limit = 3
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = apiBaseURL
	}
	return &AngelOneBroker{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(limit), int(limit)+1),
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		clientID:   cfg.ClientID,
		password:   cfg.Password,
		totpSecret: cfg.TOTPSecret,
	}
}

// apiResponse is the standard SmartAPI response envelope.
type apiResponse struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

// Login authenticates using client ID, password and a freshly generated
// TOTP code. On success the JWT, refresh and feed tokens are cached and
// returned for the stream layer.
func (a *AngelOneBroker) Login(ctx context.Context) (*Tokens, error) {
	code, err := totp.GenerateCode(a.totpSecret, time.Now())
	if err != nil {
		return nil, apierrors.Wrap(err, "generating TOTP code")
	}

	body := map[string]string{
		"clientcode": a.clientID,
		"password":   a.password,
		"totp":       code,
	}

	var data struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	}
	if err := a.doRequest(ctx, http.MethodPost, loginPath, body, &data); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	if data.JWTToken == "" {
		return nil, apierrors.ErrInvalidCredentials
	}

	a.mu.Lock()
	a.jwtToken = data.JWTToken
	a.refreshToken = data.RefreshToken
	a.feedToken = data.FeedToken
	a.authenticated = true
	a.mu.Unlock()

	return &Tokens{JWT: data.JWTToken, Refresh: data.RefreshToken, Feed: data.FeedToken}, nil
}

// Logout invalidates the session.
func (a *AngelOneBroker) Logout(ctx context.Context) error {
	body := map[string]string{"clientcode": a.clientID}
	err := a.doRequest(ctx, http.MethodPost, logoutPath, body, nil)

	a.mu.Lock()
	a.jwtToken = ""
	a.refreshToken = ""
	a.feedToken = ""
	a.authenticated = false
	a.mu.Unlock()

	return err
}

// IsAuthenticated reports whether a session is active.
func (a *AngelOneBroker) IsAuthenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.authenticated
}

// GetAccountDetails fetches account funds from the RMS endpoint.
func (a *AngelOneBroker) GetAccountDetails(ctx context.Context) (*models.AccountDetails, error) {
	var data struct {
		Net           string `json:"net"`
		AvailableCash string `json:"availablecash"`
		UtilisedDebit string `json:"utiliseddebits"`
	}
	if err := a.doRequest(ctx, http.MethodGet, rmsPath, nil, &data); err != nil {
		return nil, fmt.Errorf("fetching account details: %w", err)
	}

	return &models.AccountDetails{
		Balance:       parseFloat(data.Net),
		AvailableCash: parseFloat(data.AvailableCash),
		MarginUsed:    parseFloat(data.UtilisedDebit),
	}, nil
}

// PlaceOrder submits an order and returns the broker order ID.
func (a *AngelOneBroker) PlaceOrder(ctx context.Context, params OrderParams) (*OrderResult, error) {
	body := map[string]string{
		"variety":         "NORMAL",
		"tradingsymbol":   params.Symbol,
		"symboltoken":     params.Token,
		"transactiontype": string(params.Side),
		"exchange":        string(params.Exchange),
		"ordertype":       string(params.OrderType),
		"producttype":     string(params.Product),
		"duration":        "DAY",
		"quantity":        strconv.Itoa(params.Quantity),
	}
	if params.OrderType == models.OrderTypeLimit {
		body["price"] = strconv.FormatFloat(params.Price, 'f', 2, 64)
	} else {
		body["price"] = "0"
	}

	var data struct {
		OrderID string `json:"orderid"`
	}
	if err := a.doRequest(ctx, http.MethodPost, placeOrderPath, body, &data); err != nil {
		return nil, fmt.Errorf("placing order %s %s: %w", params.Side, params.Symbol, err)
	}
	if data.OrderID == "" {
		return nil, apierrors.NewBrokerError("NO_ORDER_ID", "broker accepted order without an order id", nil)
	}

	return &OrderResult{BrokerOrderID: data.OrderID, Status: models.OrderStatusSubmitted}, nil
}

// CancelOrder cancels an open order by broker order ID.
func (a *AngelOneBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	body := map[string]string{
		"variety": "NORMAL",
		"orderid": brokerOrderID,
	}
	if err := a.doRequest(ctx, http.MethodPost, cancelPath, body, nil); err != nil {
		return fmt.Errorf("cancelling order %s: %w", brokerOrderID, err)
	}
	return nil
}

// orderBookEntry is one row of the SmartAPI order book.
type orderBookEntry struct {
	OrderID       string `json:"orderid"`
	TradingSymbol string `json:"tradingsymbol"`
	Status        string `json:"status"`
	FilledShares  string `json:"filledshares"`
	AveragePrice  string `json:"averageprice"`
	Text          string `json:"text"`
	UpdateTime    string `json:"updatetime"`
}

// GetOrderBook fetches the full order book. Used on reconnect to
// resynchronize order state missed while the update stream was down.
func (a *AngelOneBroker) GetOrderBook(ctx context.Context) ([]models.OrderUpdate, error) {
	var entries []orderBookEntry
	if err := a.doRequest(ctx, http.MethodGet, orderBookPath, nil, &entries); err != nil {
		return nil, fmt.Errorf("fetching order book: %w", err)
	}

	updates := make([]models.OrderUpdate, 0, len(entries))
	for _, e := range entries {
		ts, _ := time.ParseInLocation("02-Jan-2006 15:04:05", e.UpdateTime, time.Local)
		updates = append(updates, models.OrderUpdate{
			BrokerOrderID:  e.OrderID,
			Symbol:         e.TradingSymbol,
			Status:         normalizeStatus(e.Status),
			FilledQuantity: int(parseFloat(e.FilledShares)),
			AveragePrice:   parseFloat(e.AveragePrice),
			Text:           e.Text,
			Timestamp:      ts,
		})
	}
	return updates, nil
}

// GetPositions fetches open positions from the broker.
func (a *AngelOneBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	var entries []struct {
		TradingSymbol string `json:"tradingsymbol"`
		NetQty        string `json:"netqty"`
		AvgNetPrice   string `json:"avgnetprice"`
	}
	if err := a.doRequest(ctx, http.MethodGet, positionsPath, nil, &entries); err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	var positions []models.Position
	for _, e := range entries {
		qty := int(parseFloat(e.NetQty))
		if qty == 0 {
			continue
		}
		side := models.OrderSideBuy
		if qty < 0 {
			side = models.OrderSideSell
			qty = -qty
		}
		avg := parseFloat(e.AvgNetPrice)
		positions = append(positions, models.Position{
			Symbol:       e.TradingSymbol,
			Side:         side,
			Quantity:     qty,
			AveragePrice: avg,
			CostBasis:    avg * float64(qty),
		})
	}
	return positions, nil
}

// GetQuote fetches the last traded price for an instrument.
func (a *AngelOneBroker) GetQuote(ctx context.Context, exchange models.Exchange, token string) (*models.Quote, error) {
	body := map[string]string{
		"exchange":    string(exchange),
		"symboltoken": token,
	}
	var data struct {
		TradingSymbol string  `json:"tradingsymbol"`
		LTP           float64 `json:"ltp"`
		Close         float64 `json:"close"`
	}
	if err := a.doRequest(ctx, http.MethodPost, ltpPath, body, &data); err != nil {
		return nil, fmt.Errorf("fetching quote for token %s: %w", token, err)
	}

	q := &models.Quote{
		Symbol:    data.TradingSymbol,
		LTP:       data.LTP,
		Close:     data.Close,
		Timestamp: time.Now(),
	}
	if data.Close > 0 {
		q.Change = (data.LTP - data.Close) / data.Close * 100
	}
	return q, nil
}

// GetHistorical fetches historical candle data.
func (a *AngelOneBroker) GetHistorical(ctx context.Context, req HistoricalRequest) ([]models.Candle, error) {
	body := map[string]string{
		"exchange":    string(req.Exchange),
		"symboltoken": req.Token,
		"interval":    req.Interval,
		"fromdate":    req.From.Format("2006-01-02 15:04"),
		"todate":      req.To.Format("2006-01-02 15:04"),
	}

	// Candles arrive as [timestamp, open, high, low, close, volume] arrays
	var rows [][]json.RawMessage
	if err := a.doRequest(ctx, http.MethodPost, candlePath, body, &rows); err != nil {
		return nil, fmt.Errorf("fetching candles for token %s: %w", req.Token, err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		var tsStr string
		if err := json.Unmarshal(row[0], &tsStr); err != nil {
			continue
		}
		ts, err := time.Parse("2006-01-02T15:04:05-07:00", tsStr)
		if err != nil {
			continue
		}
		var o, h, l, c float64
		var v int64
		json.Unmarshal(row[1], &o)
		json.Unmarshal(row[2], &h)
		json.Unmarshal(row[3], &l)
		json.Unmarshal(row[4], &c)
		json.Unmarshal(row[5], &v)
		candles = append(candles, models.Candle{
			Timestamp: ts,
			Open:      o, High: h, Low: l, Close: c, Volume: v,
		})
	}
	return candles, nil
}

// FeedToken returns the feed token for the market data stream.
func (a *AngelOneBroker) FeedToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.feedToken
}

// JWTToken returns the session JWT for the order update stream.
func (a *AngelOneBroker) JWTToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.jwtToken
}

func (a *AngelOneBroker) doRequest(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	a.setHeaders(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return apierrors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apierrors.Wrap(err, "reading response")
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		a.mu.Lock()
		a.authenticated = false
		a.mu.Unlock()
		return apierrors.ErrSessionExpired
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return apierrors.ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return apierrors.NewBrokerError(strconv.Itoa(resp.StatusCode), string(respBody), nil)
	}

	var env apiResponse
	if err := json.Unmarshal(respBody, &env); err != nil {
		return apierrors.Wrap(err, "decoding response envelope")
	}
	if !env.Status {
		return apierrors.NewBrokerError(env.ErrorCode, env.Message, nil)
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return apierrors.Wrap(err, "decoding response data")
		}
	}
	return nil
}

func (a *AngelOneBroker) setHeaders(req *http.Request) {
	a.mu.RLock()
	jwt := a.jwtToken
	a.mu.RUnlock()

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-ClientLocalIP", "127.0.0.1")
	req.Header.Set("X-ClientPublicIP", "127.0.0.1")
	req.Header.Set("X-MACAddress", "00:00:00:00:00:00")
	req.Header.Set("X-PrivateKey", a.apiKey)
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}
}

// normalizeStatus maps broker status strings to internal order statuses.
func normalizeStatus(s string) models.OrderStatus {
	switch s {
	case "open", "OPEN", "trigger pending":
		return models.OrderStatusOpen
	case "partially filled", "partial", "PARTIALLY_FILLED":
		return models.OrderStatusPartiallyFilled
	case "complete", "COMPLETE", "executed":
		return models.OrderStatusComplete
	case "cancelled", "CANCELLED":
		return models.OrderStatusCancelled
	case "rejected", "REJECTED":
		return models.OrderStatusRejected
	default:
		return models.OrderStatusSubmitted
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

var _ Broker = (*AngelOneBroker)(nil)
