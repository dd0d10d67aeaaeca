// Package gateway streams decision cycles and health snapshots to WebSocket
// observers and accepts operator control messages over the same connection.
// Control messages require an authenticated operator session; telemetry is
// read-only and needs none.
package gateway

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"pilot-lite/apps/agent/internal/auth"
	"pilot-lite/health"
	"pilot-lite/safety"
	"pilot-lite/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // TODO: Restrict in production
	},
}

const (
	clientTypeAuth          = "auth"
	clientTypeSafeModeEnter = "safe_mode_enter"
	clientTypeSafeModeExit  = "safe_mode_exit"
	clientTypePanicTrigger  = "panic_trigger"
	clientTypePanicReset    = "panic_reset"

	serverTypeCycle    = "cycle"
	serverTypeSnapshot = "snapshot"
	serverTypeAck      = "ack"
	serverTypeError    = "error"
)

type clientEnvelope struct {
	Type   string `json:"type"`
	Token  string `json:"token,omitempty"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type serverEnvelope struct {
	Type       string      `json:"type"`
	ServerSeq  uint64      `json:"server_seq"`
	ServerTsMs int64       `json:"server_ts_ms"`
	Payload    interface{} `json:"payload,omitempty"`
	Code       int         `json:"code,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// Connection represents a WebSocket client connection
type Connection struct {
	ID       string
	Conn     *websocket.Conn
	Send     chan []byte
	Gateway  *Gateway
	LastPing time.Time

	authenticated bool
}

// Gateway manages WebSocket connections
type Gateway struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	nextConnID  uint64
	serverSeq   uint64

	operators *auth.Manager
	safeMode  *safety.SafeMode
	panicStop *safety.PanicStop
}

// New creates a new Gateway instance
func New(operators *auth.Manager, safeMode *safety.SafeMode, panicStop *safety.PanicStop) *Gateway {
	return &Gateway{
		connections: make(map[string]*Connection),
		operators:   operators,
		safeMode:    safeMode,
		panicStop:   panicStop,
	}
}

// HandleWebSocket handles WebSocket upgrade and connection
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] Upgrade error: %v", err)
		return
	}

	g.mu.Lock()
	g.nextConnID++
	connID := fmt.Sprintf("conn_%d", g.nextConnID)

	c := &Connection{
		ID:       connID,
		Conn:     conn,
		Send:     make(chan []byte, 256),
		Gateway:  g,
		LastPing: time.Now(),
	}
	g.connections[connID] = c
	g.mu.Unlock()

	log.Printf("[Gateway] Client connected: %s, total: %d", connID, len(g.connections))

	go c.readPump()
	go c.writePump()
}

func (c *Connection) readPump() {
	defer func() {
		c.Gateway.removeConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(65536)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		c.LastPing = time.Now()
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Gateway] Read error: %v", err)
			}
			break
		}

		if messageType == websocket.TextMessage {
			c.handleMessage(message)
		}
	}
}

func (c *Connection) handleMessage(data []byte) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("[Gateway] Failed to unmarshal: %v", err)
		c.sendError(1, "invalid message format")
		return
	}

	if env.Type == clientTypeAuth {
		c.handleAuth(env)
		return
	}

	if !c.authenticated {
		c.sendError(2, "not authenticated")
		return
	}

	switch env.Type {
	case clientTypeSafeModeEnter:
		c.handleSafeModeEnter(env)
	case clientTypeSafeModeExit:
		c.handleSafeModeExit()
	case clientTypePanicTrigger:
		c.handlePanicTrigger(env)
	case clientTypePanicReset:
		c.handlePanicReset()
	default:
		log.Printf("[Gateway] Unknown message type: %q", env.Type)
		c.sendError(3, "unknown message type")
	}
}

func (c *Connection) handleAuth(env clientEnvelope) {
	if c.Gateway.operators == nil || !c.Gateway.operators.ResolveSession(env.Token) {
		c.sendError(2, "invalid session token")
		return
	}
	c.authenticated = true
	c.sendAck("authenticated")
}

func (c *Connection) handleSafeModeEnter(env clientEnvelope) {
	reason := env.Reason
	if reason == "" {
		reason = "operator"
	}
	changed := c.Gateway.safeMode.Enter("manual:"+reason, true)
	log.Printf("[Gateway] Operator safe mode enter (%s): changed=%v", reason, changed)
	c.sendAck("safe_mode_enter")
}

func (c *Connection) handleSafeModeExit() {
	changed := c.Gateway.safeMode.Exit(true)
	log.Printf("[Gateway] Operator safe mode exit: changed=%v", changed)
	c.sendAck("safe_mode_exit")
}

func (c *Connection) handlePanicTrigger(env clientEnvelope) {
	changed := c.Gateway.panicStop.Trigger(safety.PanicReasonManual, env.Detail)
	log.Printf("[Gateway] Operator panic trigger: changed=%v", changed)
	c.sendAck("panic_trigger")
}

func (c *Connection) handlePanicReset() {
	c.Gateway.panicStop.Reset()
	log.Printf("[Gateway] Operator panic reset")
	c.sendAck("panic_reset")
}

func (c *Connection) sendAck(message string) {
	c.sendEnvelope(serverEnvelope{
		Type:       serverTypeAck,
		ServerSeq:  atomic.AddUint64(&c.Gateway.serverSeq, 1),
		ServerTsMs: time.Now().UnixMilli(),
		Message:    message,
	})
}

func (c *Connection) sendError(code int, msg string) {
	c.sendEnvelope(serverEnvelope{
		Type:       serverTypeError,
		ServerSeq:  atomic.AddUint64(&c.Gateway.serverSeq, 1),
		ServerTsMs: time.Now().UnixMilli(),
		Code:       code,
		Message:    msg,
	})
}

func (c *Connection) sendEnvelope(env serverEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[Gateway] Marshal error: %v", err)
		return
	}
	select {
	case c.Send <- data:
	default:
		// Drop if buffer full
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) removeConnection(c *Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.connections, c.ID)
	log.Printf("[Gateway] Client disconnected: %s, total: %d", c.ID, len(g.connections))
}

// BroadcastCycle pushes one decision cycle to every observer.
func (g *Gateway) BroadcastCycle(record session.CycleRecord) {
	g.broadcastEnvelope(serverTypeCycle, record)
}

// BroadcastSnapshot pushes one health snapshot to every observer.
func (g *Gateway) BroadcastSnapshot(snapshot health.Snapshot) {
	g.broadcastEnvelope(serverTypeSnapshot, snapshot)
}

func (g *Gateway) broadcastEnvelope(envType string, payload interface{}) {
	data, err := json.Marshal(serverEnvelope{
		Type:       envType,
		ServerSeq:  atomic.AddUint64(&g.serverSeq, 1),
		ServerTsMs: time.Now().UnixMilli(),
		Payload:    payload,
	})
	if err != nil {
		log.Printf("[Gateway] Marshal error: %v", err)
		return
	}
	g.broadcast(data)
}

func (g *Gateway) broadcast(message []byte) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.connections {
		select {
		case c.Send <- message:
		default:
			// Drop message if buffer full
		}
	}
}
