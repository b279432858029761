package infra

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"market_engine/internal/domain"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	// Venues cap inbound client messages per connection (Binance: 5/s on spot).
	controlRate  = 5
	controlBurst = 5
)

// WSSession is one websocket connection. Reads must come from a single
// goroutine; writes are serialized and paced.
type WSSession struct {
	conn        *websocket.Conn
	writeMu     sync.Mutex
	pacer       *rate.Limiter
	readTimeout time.Duration
	closeOnce   sync.Once
}

// DialWS opens a session. Protocol-level pings are answered with pongs and
// any control frame extends the read deadline.
// A handshake refused with a 4xx status (other than 429) is returned as a
// non-retriable NetworkError.
func DialWS(ctx context.Context, url string, readTimeout time.Duration) (*WSSession, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	header := make(http.Header)
	header.Set("User-Agent", DefaultUserAgent)

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, domain.NewFatalNetworkError("handshake",
				fmt.Errorf("%w: http %d", domain.ErrConnectionFailed, resp.StatusCode))
		}
		return nil, domain.NewNetworkError("dial", fmt.Errorf("%w: %w", domain.ErrConnectionFailed, err))
	}

	s := &WSSession{
		conn:        conn,
		pacer:       rate.NewLimiter(rate.Limit(controlRate), controlBurst),
		readTimeout: readTimeout,
	}
	conn.SetPingHandler(func(data string) error {
		s.extendDeadline()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		s.extendDeadline()
		return nil
	})
	return s, nil
}

func (s *WSSession) extendDeadline() {
	if s.readTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
}

// Write sends a text frame once the pacer allows it.
func (s *WSSession) Write(ctx context.Context, data []byte) error {
	if err := s.pacer.Wait(ctx); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a protocol-level ping frame.
func (s *WSSession) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Read blocks for the next data frame. Silence longer than the read timeout
// returns an error.
func (s *WSSession) Read() ([]byte, error) {
	s.extendDeadline()
	_, msg, err := s.conn.ReadMessage()
	return msg, err
}

// Close sends a close frame and releases the connection. Safe to call twice.
func (s *WSSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

// IsUnexpectedClose reports a close that was not a normal shutdown.
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
