package infra

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"market_engine/internal/domain"

	"github.com/gorilla/websocket"
)

func echoServer(t *testing.T, onConn func(*websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		onConn(c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSSession_WriteRead(t *testing.T) {
	url := echoServer(t, func(c *websocket.Conn) {
		for {
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			c.WriteMessage(mt, msg)
		}
	})

	s, err := DialWS(context.Background(), url, 2*time.Second)
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer s.Close()

	if err := s.Write(context.Background(), []byte(`{"op":"ping"}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	msg, err := s.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(msg) != `{"op":"ping"}` {
		t.Errorf("Read = %s", msg)
	}
}

func TestWSSession_AnswersPing(t *testing.T) {
	gotPong := make(chan string, 1)
	url := echoServer(t, func(c *websocket.Conn) {
		c.SetPongHandler(func(data string) error {
			gotPong <- data
			return nil
		})
		c.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})

	s, err := DialWS(context.Background(), url, 2*time.Second)
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer s.Close()

	// Control frames are processed inside Read.
	go s.Read()

	select {
	case data := <-gotPong:
		if data != "hb" {
			t.Errorf("pong payload = %q, want hb", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestWSSession_ReadTimeout(t *testing.T) {
	url := echoServer(t, func(c *websocket.Conn) {
		time.Sleep(time.Second)
	})

	s, err := DialWS(context.Background(), url, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer s.Close()

	if _, err := s.Read(); err == nil {
		t.Error("expected timeout error on a silent connection")
	}
}

func TestDialWS_HandshakeErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retriable bool
	}{
		{"banned", http.StatusForbidden, false},
		{"not found", http.StatusNotFound, false},
		{"too many requests", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := DialWS(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), time.Second)
			if !errors.Is(err, domain.ErrConnectionFailed) {
				t.Fatalf("err = %v, want ErrConnectionFailed", err)
			}
			if got := domain.IsRetriable(err); got != tt.retriable {
				t.Errorf("IsRetriable = %v, want %v", got, tt.retriable)
			}
		})
	}
}
