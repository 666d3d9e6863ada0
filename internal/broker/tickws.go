package broker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
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
	tickStreamURL     = "wss://smartapisocket.angelone.in/smart-stream"
	tickHeartbeat     = 30 * time.Second
	tickWriteDeadline = 10 * time.Second
	tickReadDeadline  = 60 * time.Second

	subscribeAction = 1
	modeLTP         = 1
)

// AngelTickStream streams market ticks from the SmartAPI WebSocket feed.
// A single reader goroutine owns the connection and pushes parsed ticks
// into a bounded queue; when the queue is full the tick is dropped and
// counted rather than blocking the reader.
type AngelTickStream struct {
	url       string
	apiKey    string
	clientID  string
	jwtToken  string
	feedToken string
	logger    zerolog.Logger

	queue   chan models.Tick
	dropped atomic.Uint64

	// writeMu serializes frame writes; gorilla allows one writer
	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	symbols map[string]string // token -> trading symbol
}

// TickStreamConfig holds configuration for the market data stream.
type TickStreamConfig struct {
	APIKey    string
	ClientID  string
	JWTToken  string
	FeedToken string
	QueueSize int
	URL       string // override for tests
	Logger    zerolog.Logger
}

// NewAngelTickStream creates a market data stream client.
func NewAngelTickStream(cfg TickStreamConfig) *AngelTickStream {
	url := cfg.URL
	if url == "" {
		url = tickStreamURL
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 2048
	}
	return &AngelTickStream{
		url:       url,
		apiKey:    cfg.APIKey,
		clientID:  cfg.ClientID,
		jwtToken:  cfg.JWTToken,
		feedToken: cfg.FeedToken,
		logger:    cfg.Logger,
		queue:     make(chan models.Tick, size),
		symbols:   make(map[string]string),
	}
}

// Connect dials the feed and starts the reader and heartbeat goroutines.
func (s *AngelTickStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.jwtToken)
	header.Set("x-api-key", s.apiKey)
	header.Set("x-client-code", s.clientID)
	header.Set("x-feed-token", s.feedToken)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		return apierrors.Wrap(err, "dialing tick stream")
	}

	s.conn = conn
	s.done = make(chan struct{})

	go s.readLoop(conn, s.done)
	go s.pingLoop(conn, s.done)

	return nil
}

// subscribeRequest is the JSON frame sent to subscribe to instruments.
type subscribeRequest struct {
	CorrelationID string          `json:"correlationID"`
	Action        int             `json:"action"`
	Params        subscribeParams `json:"params"`
}

type subscribeParams struct {
	Mode      int         `json:"mode"`
	TokenList []tokenList `json:"tokenList"`
}

type tokenList struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

// Subscribe requests LTP updates for the given instruments.
func (s *AngelTickStream) Subscribe(ctx context.Context, tokens []SubscriptionToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return apierrors.ErrNotConnected
	}

	byExchange := make(map[int][]string)
	for _, t := range tokens {
		s.symbols[t.Token] = t.Symbol
		et := exchangeType(t.Exchange)
		byExchange[et] = append(byExchange[et], t.Token)
	}

	lists := make([]tokenList, 0, len(byExchange))
	for et, toks := range byExchange {
		lists = append(lists, tokenList{ExchangeType: et, Tokens: toks})
	}

	req := subscribeRequest{
		CorrelationID: "engine",
		Action:        subscribeAction,
		Params:        subscribeParams{Mode: modeLTP, TokenList: lists},
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(tickWriteDeadline))
	if err := s.conn.WriteJSON(req); err != nil {
		return apierrors.Wrap(err, "sending subscribe frame")
	}
	return nil
}

// Receive blocks until a tick is available, the stream closes, or the
// context is cancelled.
func (s *AngelTickStream) Receive(ctx context.Context) (models.Tick, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return models.Tick{}, apierrors.ErrNotConnected
	}

	select {
	case tick := <-s.queue:
		return tick, nil
	case <-done:
		// Drain anything parsed before the connection dropped
		select {
		case tick := <-s.queue:
			return tick, nil
		default:
			return models.Tick{}, apierrors.ErrConnectionFailed
		}
	case <-ctx.Done():
		return models.Tick{}, ctx.Err()
	}
}

// Dropped returns the number of ticks discarded due to a full queue.
func (s *AngelTickStream) Dropped() uint64 {
	return s.dropped.Load()
}

// Close shuts down the connection and the reader goroutines.
func (s *AngelTickStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *AngelTickStream) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(tickReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(tickReadDeadline))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("tick stream closed unexpectedly")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(tickReadDeadline))

		switch msgType {
		case websocket.TextMessage:
			// Heartbeat reply, ignored
			if bytes.Equal(data, []byte("pong")) {
				continue
			}
		case websocket.BinaryMessage:
			tick, err := parseTick(data)
			if err != nil {
				s.logger.Debug().Err(err).Int("len", len(data)).Msg("discarding malformed tick")
				continue
			}
			s.mu.Lock()
			tick.Symbol = s.symbols[tick.Token]
			s.mu.Unlock()

			select {
			case s.queue <- tick:
			default:
				s.dropped.Add(1)
			}
		}
	}
}

func (s *AngelTickStream) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(tickHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(tickWriteDeadline))
			err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// Binary LTP packet layout:
//
//	offset 0   mode (1 byte)
//	offset 1   exchange type (1 byte)
//	offset 2   token (25 bytes, null padded ASCII)
//	offset 27  sequence number (int64 LE)
//	offset 35  exchange timestamp ms (int64 LE)
//	offset 43  last traded price in paise (int64 LE)
const ltpPacketSize = 51

func parseTick(data []byte) (models.Tick, error) {
	if len(data) < ltpPacketSize {
		return models.Tick{}, fmt.Errorf("short tick packet: %d bytes", len(data))
	}

	token := string(bytes.TrimRight(data[2:27], "\x00"))
	tsMillis := int64(binary.LittleEndian.Uint64(data[35:43]))
	paise := int64(binary.LittleEndian.Uint64(data[43:51]))

	ltp := float64(paise) / 100.0
	if ltp <= 0 {
		return models.Tick{}, fmt.Errorf("non-positive LTP %d for token %s", paise, token)
	}

	ts := time.UnixMilli(tsMillis)
	if tsMillis <= 0 {
		ts = time.Now()
	}

	return models.Tick{
		Token:     token,
		LTP:       ltp,
		Timestamp: ts,
	}, nil
}

// exchangeType maps an exchange segment to the feed's numeric code.
func exchangeType(ex models.Exchange) int {
	switch ex {
	case models.NSE:
		return 1
	case models.NFO:
		return 2
	case models.BSE:
		return 3
	case models.MCX:
		return 5
	default:
		return 1
	}
}

var _ TickStream = (*AngelTickStream)(nil)
