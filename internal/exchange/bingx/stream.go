package bingx

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

const (
	// DefaultStreamURL is the production swap market websocket.
	DefaultStreamURL = "wss://open-api-swap.bingx.com/swap-market"

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed between two inbound frames. The venue
	// pings every few seconds.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// inboxSize buffers decoded frames between the read loop and Recv.
	inboxSize = 64
)

// Dialer opens BingX websocket streams.
type Dialer struct {
	url    string
	dialer websocket.Dialer
	logger *slog.Logger
}

var _ domain.StreamDialer = (*Dialer)(nil)

// NewDialer creates a Dialer for the given websocket URL.
func NewDialer(wsURL string, logger *slog.Logger) *Dialer {
	if wsURL == "" {
		wsURL = DefaultStreamURL
	}
	return &Dialer{
		url: wsURL,
		dialer: websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
		logger: logger.With(slog.String("component", "bingx_ws")),
	}
}

// subscribeCommand is the market-stream subscription request.
type subscribeCommand struct {
	ID       string `json:"id"`
	ReqType  string `json:"reqType"`
	DataType string `json:"dataType"`
}

// SubscribePrice opens a market stream and subscribes to the last price
// of instrument.
func (d *Dialer) SubscribePrice(ctx context.Context, instrument string) (domain.PriceStream, error) {
	conn, err := d.dial(ctx, d.url)
	if err != nil {
		return nil, err
	}
	cmd := subscribeCommand{
		ID:       uuid.NewString(),
		ReqType:  "sub",
		DataType: instrument + "@lastPrice",
	}
	if err := conn.writeJSON(cmd); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bingx/ws: subscribe %s: %w", cmd.DataType, err)
	}
	conn.start()
	return &priceStream{conn: conn, instrument: instrument}, nil
}

// SubscribeOrders opens the account stream bound to listenKey.
func (d *Dialer) SubscribeOrders(ctx context.Context, listenKey string) (domain.OrderStream, error) {
	conn, err := d.dial(ctx, d.url+"?listenKey="+listenKey)
	if err != nil {
		return nil, err
	}
	conn.start()
	return &orderStream{conn: conn}, nil
}

func (d *Dialer) dial(ctx context.Context, url string) (*wsConn, error) {
	c, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("bingx/ws: connect: %w", err)
	}
	return newWSConn(c, d.logger), nil
}

// wsConn owns one websocket connection. A single read loop decompresses
// frames, answers the venue's text pings and hands payloads to Recv.
type wsConn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	inbox chan []byte
	done  chan struct{}

	wmu sync.Mutex // serializes data-frame writers

	mu      sync.Mutex
	err     error
	closing bool
	once    sync.Once
}

func newWSConn(c *websocket.Conn, logger *slog.Logger) *wsConn {
	return &wsConn{
		conn:   c,
		logger: logger,
		inbox:  make(chan []byte, inboxSize),
		done:   make(chan struct{}),
	}
}

func (w *wsConn) start() {
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go w.readLoop()
	go w.pingLoop()
}

func (w *wsConn) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.write(websocket.TextMessage, b)
}

func (w *wsConn) write(mt int, data []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(mt, data)
}

func (w *wsConn) readLoop() {
	defer w.finish(nil)
	for {
		mt, raw, err := w.conn.ReadMessage()
		if err != nil {
			w.finish(err)
			return
		}
		w.conn.SetReadDeadline(time.Now().Add(pongWait))

		payload := raw
		if mt == websocket.BinaryMessage {
			payload, err = gunzip(raw)
			if err != nil {
				w.logger.Warn("dropping undecodable frame", slog.String("error", err.Error()))
				continue
			}
		}
		if string(payload) == "Ping" {
			if err := w.write(websocket.TextMessage, []byte("Pong")); err != nil {
				w.finish(err)
				return
			}
			continue
		}

		select {
		case w.inbox <- payload:
		case <-w.done:
			return
		}
	}
}

func (w *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				w.finish(err)
				return
			}
		}
	}
}

// finish records the first terminal error and releases Recv.
func (w *wsConn) finish(err error) {
	w.once.Do(func() {
		w.mu.Lock()
		if err == nil || w.closing {
			err = domain.ErrWSDisconnect
		}
		w.err = err
		w.mu.Unlock()
		close(w.done)
		w.conn.Close()
	})
}

// next returns the next payload, or the terminal error once the connection
// is gone and the inbox is drained.
func (w *wsConn) next(ctx context.Context) ([]byte, error) {
	select {
	case p := <-w.inbox:
		return p, nil
	default:
	}
	select {
	case p := <-w.inbox:
		return p, nil
	case <-w.done:
		w.mu.Lock()
		err := w.err
		w.mu.Unlock()
		return nil, fmt.Errorf("bingx/ws: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the connection down. It is safe to call more than once.
func (w *wsConn) Close() error {
	w.mu.Lock()
	w.closing = true
	w.mu.Unlock()
	_ = w.write(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.finish(nil)
	return nil
}

func gunzip(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

type priceStream struct {
	conn       *wsConn
	instrument string
}

// Recv returns the next last-price tick. Subscription acknowledgements are
// skipped.
func (s *priceStream) Recv(ctx context.Context) (domain.PriceTick, error) {
	for {
		payload, err := s.conn.next(ctx)
		if err != nil {
			return domain.PriceTick{}, err
		}
		var msg wsPriceMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.conn.logger.Debug("ignoring market frame", slog.String("error", err.Error()))
			continue
		}
		if msg.Code != 0 {
			return domain.PriceTick{}, fmt.Errorf("bingx/ws: subscribe %s: code %d", s.instrument, msg.Code)
		}
		if msg.Data == nil || msg.Data.Price.IsZero() {
			continue
		}
		instrument := msg.Data.Symbol
		if instrument == "" {
			instrument = s.instrument
		}
		return domain.PriceTick{
			Instrument: instrument,
			Price:      msg.Data.Price.Decimal,
			Time:       time.UnixMilli(msg.Data.Time),
		}, nil
	}
}

func (s *priceStream) Close() error { return s.conn.Close() }

type orderStream struct {
	conn *wsConn
}

// Recv returns the next order update. Other account events are skipped; an
// expired listen key ends the stream.
func (s *orderStream) Recv(ctx context.Context) (domain.OrderUpdate, error) {
	for {
		payload, err := s.conn.next(ctx)
		if err != nil {
			return domain.OrderUpdate{}, err
		}
		var msg wsAccountMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.conn.logger.Debug("ignoring account frame", slog.String("error", err.Error()))
			continue
		}
		if msg.Event == "listenKeyExpired" {
			s.conn.Close()
			return domain.OrderUpdate{}, fmt.Errorf("bingx/ws: listen key expired: %w", domain.ErrWSDisconnect)
		}
		if u, ok := msg.toOrderUpdate(); ok {
			return u, nil
		}
	}
}

func (s *orderStream) Close() error { return s.conn.Close() }
