package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/scythe504/bizsim-backend/internal"
)

// Games is what the HTTP surface reads from the coordinator.
type Games interface {
	Snapshot(gameID string) (internal.GameStateView, bool)
	Games() int
}

type Server struct {
	games Games
	ws    http.Handler
}

func NewServer(port int, games Games, ws http.Handler) *http.Server {
	s := &Server{games: games, ws: ws}
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.RegisterRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
	}
}
