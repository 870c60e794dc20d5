package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"okx-trading-advisor/internal/events"
	"okx-trading-advisor/internal/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 256
	wsReadLimit  = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the wire shape of a server-to-client frame.
type wsMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// wsCommand is what clients may send back.
type wsCommand struct {
	Type string `json:"type"`
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	sub    *events.Subscription
	logger zerolog.Logger
}

// handleWebSocket upgrades the connection and bridges it onto the event bus.
// Events stream as {type, timestamp, data} frames; clients opt into strategy
// updates with {"type": "subscribe-updates"}.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		sub:  s.bus.Subscribe(),
	}
	client.logger = s.logger.With().Str("subscription", client.sub.ID()).Logger()

	s.registerWS(client)
	metrics.WSClients.Inc()
	client.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("WebSocket client connected")

	welcome := wsMessage{
		Type:      "connected",
		Timestamp: s.clk.Now().UTC(),
		Data:      gin.H{"clientId": client.sub.ID()},
	}

	go client.forward(welcome)
	go client.writePump()
	go s.readPump(client)
}

// forward is the only writer of the send channel. It emits the welcome frame
// and then relays bus events until the subscription closes.
func (cl *wsClient) forward(welcome wsMessage) {
	defer close(cl.send)

	cl.push(welcome)
	for ev := range cl.sub.Events() {
		cl.push(wsMessage{Type: string(ev.Type), Timestamp: ev.Timestamp, Data: ev.Data})
	}
}

func (cl *wsClient) push(msg wsMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		cl.logger.Error().Err(err).Str("type", msg.Type).Msg("Frame marshal failed")
		return
	}
	select {
	case cl.send <- payload:
	default:
		cl.logger.Warn().Str("type", msg.Type).Msg("Send buffer full, frame dropped")
	}
}

func (cl *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(cl *wsClient) {
	defer func() {
		s.unregisterWS(cl)
		s.bus.Unsubscribe(cl.sub)
		cl.conn.Close()
		metrics.WSClients.Dec()
		cl.logger.Info().Msg("WebSocket client disconnected")
	}()

	cl.conn.SetReadLimit(wsReadLimit)
	cl.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cl.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			cl.logger.Debug().Msg("Ignoring malformed client frame")
			continue
		}
		switch cmd.Type {
		case "subscribe-updates":
			s.bus.JoinStrategyUpdates(cl.sub)
			cl.logger.Debug().Msg("Joined strategy updates")
		case "unsubscribe-updates":
			s.bus.LeaveStrategyUpdates(cl.sub)
			cl.logger.Debug().Msg("Left strategy updates")
		default:
			cl.logger.Debug().Str("type", cmd.Type).Msg("Unknown client frame")
		}
	}
}

func (s *Server) registerWS(cl *wsClient) {
	s.wsMu.Lock()
	s.wsClients[cl] = struct{}{}
	s.wsMu.Unlock()
}

func (s *Server) unregisterWS(cl *wsClient) {
	s.wsMu.Lock()
	delete(s.wsClients, cl)
	s.wsMu.Unlock()
}

// closeWSClients unsubscribes every client so the pumps unwind during
// shutdown.
func (s *Server) closeWSClients() {
	s.wsMu.Lock()
	clients := make([]*wsClient, 0, len(s.wsClients))
	for cl := range s.wsClients {
		clients = append(clients, cl)
	}
	s.wsMu.Unlock()

	for _, cl := range clients {
		s.bus.Unsubscribe(cl.sub)
	}
}
