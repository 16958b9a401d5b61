// Package ws wires the matchmaking Session state machine to an actual
// WebSocket transport: accepting connections, running the read/write
// loops, and detecting dead connections with a heartbeat.
package ws

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"matchmaking-server/internal/room"
	"matchmaking-server/internal/session"
)

const (
	heartbeatInterval = 5 * time.Second
	heartbeatTimeout  = 10 * time.Second
	outboundQueueSize = 32
)

// Server holds the dependencies shared across every connection: the one
// process-wide Room Registry.
type Server struct {
	registry *room.Registry
}

// NewServer constructs a Server bound to registry.
func NewServer(registry *room.Registry) *Server {
	return &Server{registry: registry}
}

// RegisterRoutes builds the HTTP handler for the single WebSocket
// endpoint, wrapped in permissive CORS the way the teacher repo wraps
// its own routes.
func (s *Server) RegisterRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type")
		w.Header().Set("Access-Control-Allow-Credentials", "false")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // TODO: restrict once a client origin is known
	})
	if err != nil {
		http.Error(w, "failed to open websocket", http.StatusInternalServerError)
		return
	}

	connID := uuid.New().String()
	log.Printf("connection opened: %s", connID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan []byte, outboundQueueSize)
	sess := session.New(connID, s.registry, out)

	go s.writeLoop(ctx, cancel, conn, out)
	go s.heartbeat(ctx, cancel, conn)

	s.readLoop(ctx, conn, sess, connID)

	cancel()
	sess.Close()
	conn.Close(websocket.StatusNormalClosure, "session closed")
	log.Printf("connection closed: %s", connID)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, connID string) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			log.Printf("connection %s read error: %v", connID, err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := sess.Dispatch(data); err != nil {
			log.Printf("connection %s protocol error: %v", connID, err)
			return
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out <-chan []byte) {
	for {
		select {
		case frame := <-out:
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) heartbeat(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, heartbeatTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
