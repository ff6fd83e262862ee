package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Imdavid21/pnl-bloom-sub000/internal/metrics"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/model"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/wallet"
)

// RunMessage is a JSON message sent to WebSocket clients.
type RunMessage struct {
	Type string    `json:"type"` // run_started, run_progress, run_finished
	Run  model.Run `json:"run"`
}

type envelope struct {
	wallet string
	data   []byte
}

type subscription struct {
	conn   *websocket.Conn
	wallet string // empty receives every wallet
}

// RunHub manages WebSocket connections and broadcasts run lifecycle
// messages. It implements ingest.Notifier.
type RunHub struct {
	clients    map[*websocket.Conn]string
	broadcast  chan envelope
	register   chan subscription
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	logger     *zap.Logger
}

func NewRunHub(logger *zap.Logger) *RunHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan envelope, 256),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// connection.
func (h *RunHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.wallet
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			h.logger.Info("ws client connected", zap.Int("total", total), zap.String("wallet", sub.wallet))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				metrics.WebSocketClients.Dec()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, filter := range h.clients {
				if filter != "" && filter != msg.wallet {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
					metrics.WebSocketClients.Dec()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Notify queues a run snapshot for every subscriber of its wallet.
func (h *RunHub) Notify(event string, run model.Run) {
	data, err := json.Marshal(RunMessage{Type: event, Run: run})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- envelope{wallet: run.Wallet, data: data}:
	default:
		// Drop if buffer full; runs must never block on slow clients.
	}
}

// Clients returns the number of connected clients.
func (h *RunHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
// ?wallet=0x... limits the stream to one wallet's runs.
func (h *RunHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	var filter string
	if raw := r.URL.Query().Get("wallet"); raw != "" {
		addr, err := wallet.Parse(raw)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter = addr
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	select {
	case h.register <- subscription{conn: conn, wallet: filter}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}
