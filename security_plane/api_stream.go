package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/plugsentry/PlugSentry/security_plane/audit"
	"github.com/plugsentry/PlugSentry/security_plane/middleware"
	"github.com/plugsentry/PlugSentry/security_plane/store"
)

const maxWSConnections = 200

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// AuditHub streams committed audit entries to dashboard websocket clients.
// Single broadcaster pattern: one goroutine fans out to all connections,
// each client sees only its own tenant's entries.
type AuditHub struct {
	clients    map[*websocket.Conn]string
	register   chan wsRegistration
	unregister chan *websocket.Conn
	entries    chan store.AuditEntry
	mu         sync.RWMutex
	log        *logrus.Entry
}

type wsRegistration struct {
	conn     *websocket.Conn
	tenantID string
}

// NewAuditHub creates a hub subscribed to the audit log.
func NewAuditHub(auditLog *audit.Log) *AuditHub {
	h := &AuditHub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan wsRegistration),
		unregister: make(chan *websocket.Conn),
		entries:    make(chan store.AuditEntry, 256),
		log:        logrus.WithField("component", "audit-hub"),
	}
	auditLog.Subscribe(func(entry store.AuditEntry) {
		// Never block the audit write path; a slow hub drops the live
		// event, the durable log still has it.
		select {
		case h.entries <- entry:
		default:
		}
	})
	return h
}

// Run starts the hub's main loop.
func (h *AuditHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				h.log.Warnf("websocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[reg.conn] = reg.tenantID
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case entry := <-h.entries:
			h.broadcast(entry)
		}
	}
}

func (h *AuditHub) broadcast(entry store.AuditEntry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, tenantID := range h.clients {
		if tenantID != entry.TenantID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(entry); err != nil {
			h.log.WithError(err).Warn("websocket write error")
			go h.Unregister(conn)
		}
	}
}

func (h *AuditHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}

// Register adds a new client connection.
func (h *AuditHub) Register(conn *websocket.Conn, tenantID string) {
	h.register <- wsRegistration{conn: conn, tenantID: tenantID}
}

// Unregister removes a client connection.
func (h *AuditHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *AuditHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleAuditStream upgrades the connection and attaches it to the hub.
func (a *API) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	a.wsHub.Register(conn, tenantID)

	// Read pump: detect client disconnect. Inbound messages are ignored.
	go func() {
		defer a.wsHub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
