package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"

	"github.com/shepherd-project/modelfetch/internal/logger"
	"github.com/shepherd-project/modelfetch/internal/progress"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// ActiveFunc reports how many downloads are running
type ActiveFunc func() int

// Options configures a Manager
type Options struct {
	// AllowedOrigins limits WebSocket upgrades; empty or "*" allows any origin
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	StatusInterval    time.Duration
	Active            ActiveFunc
}

// Manager fans download events out to every WebSocket and SSE client
type Manager struct {
	connections map[string]*Connection
	eventChan   chan *Event

	upgrader gws.Upgrader
	opts     Options

	mu sync.RWMutex
	wg sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// Connection is one subscribed client
type Connection struct {
	ID        string
	Transport string
	Send      chan *Event
	closeOnce sync.Once
}

func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.Send) })
}

// NewManager creates a new event manager
func NewManager(opts Options) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		connections: make(map[string]*Connection),
		eventChan:   make(chan *Event, 256),
		opts:        opts,
		ctx:         ctx,
		cancel:      cancel,
	}
	m.upgrader = gws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     m.checkOrigin,
	}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(m.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range m.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Start starts the broadcast, heartbeat and status loops
func (m *Manager) Start() {
	m.wg.Add(3)
	go m.run()
	go m.heartbeatLoop()
	go m.systemStatusLoop()

	logger.Info("event manager started")
}

// Stop closes every connection and waits for the loops to exit
func (m *Manager) Stop() {
	m.cancel()

	m.mu.Lock()
	for id, conn := range m.connections {
		conn.close()
		delete(m.connections, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
	logger.Info("event manager stopped")
}

// Emit queues a download event for broadcast. It implements progress.Channel
// and never blocks the engine; events are dropped when the queue is full.
func (m *Manager) Emit(e progress.Event) {
	select {
	case m.eventChan <- NewDownloadEvent(e):
	default:
		logger.WithField("model", e.DownloadID).Warn("event queue full, dropping download event")
	}
}

// Broadcast queues an event for every client
func (m *Manager) Broadcast(event *Event) {
	select {
	case m.eventChan <- event:
	case <-m.ctx.Done():
	}
}

func (m *Manager) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case event := <-m.eventChan:
			m.broadcastEvent(event)
		}
	}
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if m.GetConnectionCount() > 0 {
				m.Broadcast(NewHeartbeatEvent())
			}
		}
	}
}

func (m *Manager) systemStatusLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			count := m.GetConnectionCount()
			if count == 0 {
				continue
			}
			active := 0
			if m.opts.Active != nil {
				active = m.opts.Active()
			}
			m.Broadcast(NewSystemStatusEvent(count, active))
		}
	}
}

func (m *Manager) broadcastEvent(event *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, conn := range m.connections {
		select {
		case conn.Send <- event:
		default:
			// Slow consumer
			logger.WithField("connection", id).Warn("send buffer full, closing connection")
			conn.close()
			delete(m.connections, id)
		}
	}
}

func (m *Manager) register(transport string) *Connection {
	conn := &Connection{
		ID:        uuid.New().String(),
		Transport: transport,
		Send:      make(chan *Event, sendBuffer),
	}
	m.mu.Lock()
	m.connections[conn.ID] = conn
	total := len(m.connections)
	m.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"connection": conn.ID,
		"transport":  transport,
		"total":      total,
	}).Info("client connected")
	return conn
}

func (m *Manager) unregister(conn *Connection) {
	m.mu.Lock()
	if _, ok := m.connections[conn.ID]; ok {
		delete(m.connections, conn.ID)
		conn.close()
	}
	total := len(m.connections)
	m.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"connection": conn.ID,
		"total":      total,
	}).Info("client disconnected")
}

// HandleWebSocket upgrades the request and streams events until the client leaves
func (m *Manager) HandleWebSocket(c *gin.Context) {
	ws, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	conn := m.register("websocket")
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(NewConnectedEvent(conn.ID)); err != nil {
		m.unregister(conn)
		ws.Close()
		return
	}

	go m.writePump(ws, conn)
	m.readPump(ws, conn)
}

// writePump owns all writes to ws
func (m *Manager) writePump(ws *gws.Conn, conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case event, ok := <-conn.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gws.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are processed
func (m *Manager) readPump(ws *gws.Conn, conn *Connection) {
	defer func() {
		m.unregister(conn)
		ws.Close()
	}()

	ws.SetReadLimit(4096)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if gws.IsUnexpectedCloseError(err, gws.CloseGoingAway, gws.CloseNormalClosure) {
				logger.WithField("connection", conn.ID).WithError(err).Warn("websocket closed unexpectedly")
			}
			return
		}
	}
}

// HandleSSE streams events as Server-Sent Events
func (m *Manager) HandleSSE(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	conn := m.register("sse")
	defer m.unregister(conn)

	c.SSEvent(string(EventTypeConnected), NewConnectedEvent(conn.ID).String())
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-m.ctx.Done():
			return
		case event, ok := <-conn.Send:
			if !ok {
				return
			}
			c.SSEvent(string(event.Type), event.String())
			flusher.Flush()
		case <-keepalive.C:
			c.Writer.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		}
	}
}

// GetConnectionCount returns the total number of connections
func (m *Manager) GetConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}
