package ws

import (
	"fmt"
	"net/http"
	"time"

	"matchmaking-server/internal/config"
	"matchmaking-server/internal/room"
)

// NewHTTPServer builds the process's *http.Server: one WebSocket
// endpoint behind permissive CORS, with the same idle/read/write
// timeouts the teacher repo sets on its own server.
func NewHTTPServer(cfg config.Config, registry *room.Registry) *http.Server {
	s := NewServer(registry)
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}
