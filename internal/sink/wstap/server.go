package wstap

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"mdticker.com/pkg/logger"
	"mdticker.com/pkg/metrics"
	"mdticker.com/pkg/safe"
)

// ClientMsg is what clients send: {"type":"sub","topics":["bbo_quote:IBM"]}.
type ClientMsg struct {
	Type   string   `json:"type"` // sub | unsub
	Topics []string `json:"topics"`
}

const maxFlush = 256

type Server struct {
	Hub      *Hub
	Upgrader websocket.Upgrader
	ctx      context.Context

	PongWait   time.Duration
	PingPeriod time.Duration
	PingJitter time.Duration
	WriteWait  time.Duration
	ReadLimit  int64
}

func NewServer(ctx context.Context, h *Hub) *Server {
	return &Server{
		Hub: h,
		ctx: ctx,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		PongWait:   60 * time.Second,
		PingPeriod: 30 * time.Second,
		PingJitter: 100 * time.Millisecond,
		WriteWait:  5 * time.Second,
		ReadLimit:  4 << 10,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	metrics.WSConns.Inc()
	c := NewConn(s.Hub, wsConn)
	safe.Go(s.ctx, "wstap-write", func(context.Context) { s.writePump(c) })
	safe.Go(s.ctx, "wstap-read", func(context.Context) { s.readPump(c) })
}

func (s *Server) readPump(c *Conn) {
	defer c.close()

	c.ws.SetReadLimit(s.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.PongWait))
	})

	for {
		if s.ctx.Err() != nil {
			return
		}
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				logger.Debug(s.ctx, "wstap client timed out")
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug(s.ctx, "wstap read failed", zap.Error(err))
			}
			return
		}
		var msg ClientMsg
		if json.Unmarshal(b, &msg) != nil {
			continue
		}
		switch msg.Type {
		case "sub":
			c.hub.Subscribe(c, msg.Topics)
		case "unsub":
			c.hub.Unsubscribe(c, msg.Topics)
		}
	}
}

// writePump writes pending payloads, newline separated, one frame per
// batch, and pings on a jittered period.
func (s *Server) writePump(c *Conn) {
	defer c.close()

	if s.PingJitter > 0 {
		t := time.NewTimer(time.Duration(rand.Int63n(int64(s.PingJitter))))
		select {
		case <-t.C:
		case <-s.ctx.Done():
			t.Stop()
			return
		}
	}
	ticker := time.NewTicker(s.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.notify:
			batch := c.flushLatest(maxFlush)
			if len(batch) == 0 {
				continue
			}
			if err := s.writeBatch(c, batch); err != nil {
				logger.Debug(s.ctx, "wstap write failed", zap.Error(err))
				return
			}
			metrics.WSMsgsOut.Add(float64(len(batch)))
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.WriteWait)); err != nil {
				return
			}
		case <-s.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(s.WriteWait))
			return
		}
	}
}

func (s *Server) writeBatch(c *Conn, batch [][]byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(s.WriteWait))
	w, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	for i, payload := range batch {
		if i > 0 {
			if _, err := w.Write([]byte{'\n'}); err != nil {
				_ = w.Close()
				return err
			}
		}
		if _, err := w.Write(payload); err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}
