package server

import (
	"encoding/json"
	"net/http"
	"time"

	"research-confluence/src/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------
// Hub Pattern Implementation
// -----------------------------------------------------------------------------

// handleWebsockets is the main Hub loop
func (s *APIServer) handleWebsockets() {
	for {
		select {
		case client := <-s.register:
			s.clients[client] = struct{}{}
			s.setConnections(len(s.clients))
			// Send full snapshot on connect
			client.send <- s.snapshot(nil)

		case client := <-s.unregister:
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
				s.setConnections(len(s.clients))
			}

		case update := <-s.broadcast:
			for client := range s.clients {
				select {
				case client.send <- update:
				default:
					// Client too slow, disconnect to keep the Hub from blocking
					delete(s.clients, client)
					close(client.send)
				}
			}
			s.setConnections(len(s.clients))

		case <-s.done:
			for client := range s.clients {
				delete(s.clients, client)
				close(client.send)
			}
			s.setConnections(0)
			return
		}
	}
}

// -----------------------------------------------------------------------------

// setConnections mirrors the hub's client count for handlers that read it
// outside the hub goroutine.
func (s *APIServer) setConnections(n int) {
	s.stateMutex.Lock()
	s.connections = n
	s.stateMutex.Unlock()
}

// -----------------------------------------------------------------------------
// Data Exchange Interface Implementation
// -----------------------------------------------------------------------------

// PublishState replaces the symbol's cached snapshot and queues a broadcast.
// Called after every committed refresh and after sweeps that change state.
func (s *APIServer) PublishState(state *models.MSymbolState) {
	if state == nil {
		return
	}

	s.stateMutex.Lock()
	s.states[state.Symbol] = *state
	s.stateMutex.Unlock()

	// A refresh finishing during shutdown still updates the snapshot above
	// but must not block on a hub that is no longer draining.
	select {
	case s.broadcast <- &models.MStateUpdate{
		Type:      "UPDATE",
		Symbol:    state.Symbol,
		State:     state,
		Timestamp: time.Now().UTC().Unix(),
	}:
	case <-s.done:
	}
}

// -----------------------------------------------------------------------------

// SeedStates primes the snapshot cache from storage at startup.
func (s *APIServer) SeedStates(states []models.MSymbolState) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	for _, st := range states {
		s.states[st.Symbol] = st
	}
}

// -----------------------------------------------------------------------------

// snapshot builds an INITIAL payload, optionally filtered to given symbols.
func (s *APIServer) snapshot(filter []string) *models.MStateUpdate {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()

	var states []models.MSymbolState
	if len(filter) == 0 {
		for _, st := range s.states {
			states = append(states, st)
		}
	} else {
		for _, sym := range filter {
			if st, ok := s.states[sym]; ok {
				states = append(states, st)
			}
		}
	}

	return &models.MStateUpdate{
		Type:      "INITIAL",
		States:    states,
		Timestamp: time.Now().UTC().Unix(),
	}
}

// -----------------------------------------------------------------------------
// WebSocket Handlers
// -----------------------------------------------------------------------------

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// -----------------------------------------------------------------------------

func (s *APIServer) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Info("Failed to upgrade websocket: %v", err)
		return
	}

	client := &Client{
		hub:  s,
		conn: conn,
		// Buffered channel to prevent blocking the Hub loop
		send: make(chan *models.MStateUpdate, 256),
	}

	select {
	case s.register <- client:
	case <-s.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// -----------------------------------------------------------------------------
// Client Message Handling
// -----------------------------------------------------------------------------

func (s *APIServer) HandleClientMessage(client *Client, message []byte) {
	var cmd models.MSubscribeCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		s.Logger.Info("Failed to parse client command: %v, disconnecting client", err)
		client.conn.Close()
		return
	}

	if cmd.Command != "subscribe" {
		return
	}

	// Canonicalize requested symbols; unknown ones are silently dropped
	var filter []string
	for _, raw := range cmd.Symbols {
		if canonical, ok := s.Normalizer.Normalize(raw); ok {
			filter = append(filter, canonical)
		}
	}

	select {
	case client.send <- s.snapshot(filter):
	default:
		// Client buffer full, skip; the next broadcast will catch it up
	}
}
