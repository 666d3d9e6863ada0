package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	apierrors "github.com/Saravanaperu/Webportal-SingleUser/internal/errors"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/models"
)

const (
	orderStreamURL     = "wss://tns.angelone.in/smart-order-update"
	orderHeartbeat     = 10 * time.Second
	orderReadDeadline  = 30 * time.Second
	orderWriteDeadline = 10 * time.Second
)

// AngelOrderStream streams order status updates over WebSocket. Like the
// tick stream, a reader goroutine bridges the connection into a bounded
// queue drained via Receive.
type AngelOrderStream struct {
	url      string
	apiKey   string
	clientID string
	jwtToken string
	logger   zerolog.Logger

	queue   chan models.OrderUpdate
	dropped atomic.Uint64

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}
}

// OrderStreamConfig holds configuration for the order update stream.
type OrderStreamConfig struct {
	APIKey    string
	ClientID  string
	JWTToken  string
	QueueSize int
	URL       string // override for tests
	Logger    zerolog.Logger
}

// NewAngelOrderStream creates an order update stream client.
func NewAngelOrderStream(cfg OrderStreamConfig) *AngelOrderStream {
	url := cfg.URL
	if url == "" {
		url = orderStreamURL
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	return &AngelOrderStream{
		url:      url,
		apiKey:   cfg.APIKey,
		clientID: cfg.ClientID,
		jwtToken: cfg.JWTToken,
		logger:   cfg.Logger,
		queue:    make(chan models.OrderUpdate, size),
	}
}

// Connect dials the order update feed.
func (s *AngelOrderStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.jwtToken)
	header.Set("x-api-key", s.apiKey)
	header.Set("x-client-code", s.clientID)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		return apierrors.Wrap(err, "dialing order stream")
	}

	s.conn = conn
	s.done = make(chan struct{})

	go s.readLoop(conn, s.done)
	go s.pingLoop(conn, s.done)

	return nil
}

// orderUpdateMessage is the JSON payload on the order update feed.
type orderUpdateMessage struct {
	OrderData struct {
		OrderID       string `json:"orderid"`
		TradingSymbol string `json:"tradingsymbol"`
		Status        string `json:"status"`
		OrderStatus   string `json:"orderstatus"`
		FilledShares  string `json:"filledshares"`
		AveragePrice  string `json:"averageprice"`
		Text          string `json:"text"`
	} `json:"orderData"`
}

// Receive blocks until an update is available, the stream closes, or
// the context is cancelled.
func (s *AngelOrderStream) Receive(ctx context.Context) (models.OrderUpdate, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return models.OrderUpdate{}, apierrors.ErrNotConnected
	}

	select {
	case upd := <-s.queue:
		return upd, nil
	case <-done:
		select {
		case upd := <-s.queue:
			return upd, nil
		default:
			return models.OrderUpdate{}, apierrors.ErrConnectionFailed
		}
	case <-ctx.Done():
		return models.OrderUpdate{}, ctx.Err()
	}
}

// Dropped returns the number of updates discarded due to a full queue.
func (s *AngelOrderStream) Dropped() uint64 {
	return s.dropped.Load()
}

// Close shuts down the connection.
func (s *AngelOrderStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *AngelOrderStream) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(orderReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(orderReadDeadline))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("order stream closed unexpectedly")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(orderReadDeadline))

		var msg orderUpdateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug().Err(err).Msg("discarding malformed order update")
			continue
		}
		if msg.OrderData.OrderID == "" {
			// Connection acks and heartbeats carry no order data
			continue
		}

		status := msg.OrderData.OrderStatus
		if status == "" {
			status = msg.OrderData.Status
		}

		upd := models.OrderUpdate{
			BrokerOrderID:  msg.OrderData.OrderID,
			Symbol:         msg.OrderData.TradingSymbol,
			Status:         normalizeStatus(status),
			FilledQuantity: int(parseFloat(msg.OrderData.FilledShares)),
			AveragePrice:   parseFloat(msg.OrderData.AveragePrice),
			Text:           msg.OrderData.Text,
			Timestamp:      time.Now(),
		}

		select {
		case s.queue <- upd:
		default:
			s.dropped.Add(1)
			s.logger.Warn().Str("order_id", upd.BrokerOrderID).Msg("order update queue full, dropping")
		}
	}
}

func (s *AngelOrderStream) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(orderHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(orderWriteDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

var _ OrderStream = (*AngelOrderStream)(nil)
