package server

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsMessage is the envelope pushed to dashboard viewers. The type is
// the bus topic with dots flattened to underscores, matching what the
// frontend switches on.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(ctx context.Context, msg wsMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, msg)
}

// handleWS upgrades a viewer connection and bridges the broadcast hub
// onto it. The current SystemSnapshot goes out immediately so a fresh
// viewer does not wait for the next sampler tick. The bridge ends when
// the client disconnects or the subscription channel closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	c := &wsClient{conn: conn}
	s.addClient(c)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.WSConnections.Add(r.Context(), 1)
	}
	s.logger.Info("viewer connected", "remote", r.RemoteAddr)
	defer func() {
		s.removeClient(c)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.WSConnections.Add(context.Background(), -1)
		}
		s.logger.Info("viewer disconnected", "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain inbound frames only to notice disconnects; viewers do not
	// send anything meaningful.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	if err := c.write(ctx, wsMessage{Type: "system_stats", Data: s.cfg.Sampler.Current()}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			msg := wsMessage{Type: topicToType(ev.Topic), Data: ev.Payload}
			if err := c.write(ctx, msg); err != nil {
				return
			}
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.BroadcastsSent.Add(ctx, 1)
			}
		}
	}
}

func topicToType(topic string) string {
	return strings.ReplaceAll(topic, ".", "_")
}

func (s *Server) addClient(c *wsClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

// ViewerCount reports currently connected websocket viewers.
func (s *Server) ViewerCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
