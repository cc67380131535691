// Package presence tracks which players are connected and to which games.
// It is pure bookkeeping: nothing here broadcasts.
package presence

import (
	"sort"
	"sync"

	"github.com/scythe504/bizsim-backend/internal"
)

type Tracker struct {
	mu    sync.RWMutex
	conns map[string]internal.Conn
	games map[string]map[string]bool
}

func NewTracker() *Tracker {
	return &Tracker{
		conns: make(map[string]internal.Conn),
		games: make(map[string]map[string]bool),
	}
}

// Register binds a player to a connection. A re-registration is a reconnect:
// the previous connection is returned so the caller can close it.
func (t *Tracker) Register(playerID string, conn internal.Conn) (stale internal.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.conns[playerID]; ok && prev.ID() != conn.ID() {
		stale = prev
	}
	t.conns[playerID] = conn
	return stale
}

// Unregister drops the player's mapping if it still points at conn, so a
// stale connection going away cannot unregister its replacement. It reports
// whether the mapping was removed.
func (t *Tracker) Unregister(playerID string, conn internal.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.conns[playerID]
	if !ok || (conn != nil && current.ID() != conn.ID()) {
		return false
	}
	delete(t.conns, playerID)
	return true
}

func (t *Tracker) ConnectionOf(playerID string) (internal.Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conn, ok := t.conns[playerID]
	return conn, ok
}

// Join adds the player to the game's presence set and returns the member count.
func (t *Tracker) Join(gameID, playerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	members, ok := t.games[gameID]
	if !ok {
		members = make(map[string]bool)
		t.games[gameID] = members
	}
	members[playerID] = true
	return len(members)
}

func (t *Tracker) Leave(gameID, playerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	members, ok := t.games[gameID]
	if !ok {
		return 0
	}
	delete(members, playerID)
	if len(members) == 0 {
		delete(t.games, gameID)
		return 0
	}
	return len(members)
}

func (t *Tracker) Contains(gameID, playerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.games[gameID][playerID]
}

func (t *Tracker) Count(gameID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.games[gameID])
}

// Members returns the game's player ids in sorted order.
func (t *Tracker) Members(gameID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.games[gameID]))
	for id := range t.games[gameID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Drop forgets a game entirely, used when its room is destroyed.
func (t *Tracker) Drop(gameID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.games, gameID)
}
