package broker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Saravanaperu/Webportal-SingleUser/internal/models"
)

// ltpPacket builds a binary LTP frame as the feed emits it.
func ltpPacket(token string, paise int64, tsMillis int64) []byte {
	buf := make([]byte, ltpPacketSize)
	buf[0] = modeLTP
	buf[1] = 2 // NFO
	copy(buf[2:27], token)
	binary.LittleEndian.PutUint64(buf[35:43], uint64(tsMillis))
	binary.LittleEndian.PutUint64(buf[43:51], uint64(paise))
	return buf
}

func TestParseTick(t *testing.T) {
	ts := time.Date(2026, 8, 28, 10, 30, 15, 0, time.UTC)
	tick, err := parseTick(ltpPacket("43125", 1234550, ts.UnixMilli()))
	if err != nil {
		t.Fatalf("parseTick failed: %v", err)
	}

	if tick.Token != "43125" {
		t.Errorf("token %q, want 43125", tick.Token)
	}
	if tick.LTP != 12345.50 {
		t.Errorf("ltp %.2f, want 12345.50", tick.LTP)
	}
	if !tick.Timestamp.Equal(ts) {
		t.Errorf("timestamp %v, want %v", tick.Timestamp, ts)
	}
}

func TestParseTickRejectsMalformed(t *testing.T) {
	if _, err := parseTick([]byte{1, 2, 3}); err == nil {
		t.Error("short packet accepted")
	}
	if _, err := parseTick(ltpPacket("43125", 0, time.Now().UnixMilli())); err == nil {
		t.Error("zero price accepted")
	}
	if _, err := parseTick(ltpPacket("43125", -100, time.Now().UnixMilli())); err == nil {
		t.Error("negative price accepted")
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]models.OrderStatus{
		"open":             models.OrderStatusOpen,
		"partially filled": models.OrderStatusPartiallyFilled,
		"complete":         models.OrderStatusComplete,
		"cancelled":        models.OrderStatusCancelled,
		"rejected":         models.OrderStatusRejected,
		"something else":   models.OrderStatusSubmitted,
	}
	for in, want := range cases {
		if got := normalizeStatus(in); got != want {
			t.Errorf("normalizeStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

var upgrader = websocket.Upgrader{}

// wsServer runs handler on an httptest server and returns its ws:// URL.
func wsServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestTickStreamReceivesAndMapsSymbols(t *testing.T) {
	sent := make(chan struct{})
	url := wsServer(t, func(conn *websocket.Conn) {
		// Wait for the subscribe frame, then push one tick
		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			t.Errorf("reading subscribe frame: %v", err)
			return
		}
		if req.Action != subscribeAction || req.Params.Mode != modeLTP {
			t.Errorf("unexpected subscribe frame: %+v", req)
		}

		conn.WriteMessage(websocket.BinaryMessage, ltpPacket("43125", 10050, time.Now().UnixMilli()))
		close(sent)
		<-time.After(time.Second)
	})

	stream := NewAngelTickStream(TickStreamConfig{
		QueueSize: 16,
		URL:       url,
		Logger:    zerolog.Nop(),
	})
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := stream.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	err := stream.Subscribe(ctx, []SubscriptionToken{
		{Exchange: models.NFO, Token: "43125", Symbol: "NIFTY26SEP24500CE"},
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	<-sent
	tick, err := stream.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if tick.Symbol != "NIFTY26SEP24500CE" {
		t.Errorf("symbol %q not mapped from token", tick.Symbol)
	}
	if tick.LTP != 100.50 {
		t.Errorf("ltp %.2f, want 100.50", tick.LTP)
	}
}

func TestTickStreamDropsWhenQueueFull(t *testing.T) {
	const sends = 10
	url := wsServer(t, func(conn *websocket.Conn) {
		for i := 0; i < sends; i++ {
			conn.WriteMessage(websocket.BinaryMessage, ltpPacket("1", 10000, time.Now().UnixMilli()))
		}
		<-time.After(time.Second)
	})

	stream := NewAngelTickStream(TickStreamConfig{
		QueueSize: 2,
		URL:       url,
		Logger:    zerolog.Nop(),
	})
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := stream.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Give the reader time to flood the queue
	deadline := time.Now().Add(2 * time.Second)
	for stream.Dropped() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if stream.Dropped() == 0 {
		t.Fatal("expected drops with a full queue")
	}
	if stream.Dropped() > sends-2 {
		t.Errorf("dropped %d of %d with queue size 2", stream.Dropped(), sends)
	}
}

func TestTickStreamReceiveFailsAfterClose(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		// Close immediately
	})

	stream := NewAngelTickStream(TickStreamConfig{QueueSize: 4, URL: url, Logger: zerolog.Nop()})
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := stream.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if _, err := stream.Receive(ctx); err == nil {
		t.Fatal("expected error after server close")
	}
}

func TestOrderStreamParsesUpdates(t *testing.T) {
	payload := map[string]interface{}{
		"orderData": map[string]string{
			"orderid":       "B1234",
			"tradingsymbol": "NIFTY26SEP24500CE",
			"orderstatus":   "partially filled",
			"filledshares":  "40",
			"averageprice":  "100.00",
		},
	}
	url := wsServer(t, func(conn *websocket.Conn) {
		data, _ := json.Marshal(payload)
		conn.WriteMessage(websocket.TextMessage, data)
		<-time.After(time.Second)
	})

	stream := NewAngelOrderStream(OrderStreamConfig{QueueSize: 4, URL: url, Logger: zerolog.Nop()})
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := stream.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	upd, err := stream.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if upd.BrokerOrderID != "B1234" {
		t.Errorf("order id %q, want B1234", upd.BrokerOrderID)
	}
	if upd.Status != models.OrderStatusPartiallyFilled {
		t.Errorf("status %s, want PARTIALLY_FILLED", upd.Status)
	}
	if upd.FilledQuantity != 40 || upd.AveragePrice != 100.00 {
		t.Errorf("fill %d@%.2f, want 40@100.00", upd.FilledQuantity, upd.AveragePrice)
	}
}
