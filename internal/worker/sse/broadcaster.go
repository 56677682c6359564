// Package sse pushes cluster change notifications to connected browsers.
package sse

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// WriteTimeout bounds a single write to one client.
	WriteTimeout = 2 * time.Second

	// HeartbeatInterval is how often an idle stream receives a comment line.
	HeartbeatInterval = 25 * time.Second
)

// Event names sent on the stream.
const (
	EventConnected       = "connected"
	EventClustersUpdated = "clusters_updated"
	EventIRCreated       = "ir_created"
	EventBookmarkDeleted = "bookmark_deleted"
)

// Event is one named server-sent event. Data is encoded as JSON.
type Event struct {
	Data interface{}
	Type string
}

// Client is a connected event stream.
type Client struct {
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
	ID      string
	once    sync.Once
}

func (c *Client) close() {
	c.once.Do(func() { close(c.Done) })
}

// Broadcaster fans events out to every connected client.
type Broadcaster struct {
	clients   map[string]*Client
	heartbeat time.Duration
	mu        sync.RWMutex
}

// NewBroadcaster creates a broadcaster with the default heartbeat.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients:   make(map[string]*Client),
		heartbeat: HeartbeatInterval,
	}
}

// AddClient registers w as a stream. w must support flushing.
func (b *Broadcaster) AddClient(w http.ResponseWriter) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	client := &Client{
		ID:      uuid.NewString(),
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.clients[client.ID] = client
	total := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("client_id", client.ID).Int("clients", total).Msg("Event stream opened")
	return client, nil
}

// RemoveClient unregisters client. Safe to call more than once.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	delete(b.clients, client.ID)
	total := len(b.clients)
	b.mu.Unlock()

	client.close()
	log.Debug().Str("client_id", client.ID).Int("clients", total).Msg("Event stream closed")
}

// Publish sends an event named eventType carrying data to every client.
func (b *Broadcaster) Publish(eventType string, data interface{}) {
	b.Broadcast(Event{Type: eventType, Data: data})
}

// Broadcast writes ev to every client concurrently. Clients that fail or time
// out are dropped.
func (b *Broadcaster) Broadcast(ev Event) {
	message, err := encode(ev)
	if err != nil {
		log.Error().Err(err).Str("event", ev.Type).Msg("Failed to encode event")
		return
	}

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	dead := make(chan *Client, len(clients))
	var wg sync.WaitGroup
	for _, c := range clients {
		select {
		case <-c.Done:
			continue
		default:
		}
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if !write(c, message) {
				dead <- c
			}
		}(c)
	}
	wg.Wait()
	close(dead)

	for c := range dead {
		b.RemoveClient(c)
	}
}

func encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, err
	}
	if ev.Type == "" {
		return []byte(fmt.Sprintf("data: %s\n\n", payload)), nil
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, payload)), nil
}

// write reports false when the client should be dropped.
func write(c *Client, message []byte) bool {
	done := make(chan error, 1)
	go func() {
		_, err := c.Writer.Write(message)
		if err == nil {
			c.Flusher.Flush()
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Debug().Err(err).Str("client_id", c.ID).Msg("Event write failed")
			return false
		}
		return true
	case <-time.After(WriteTimeout):
		log.Warn().Str("client_id", c.ID).Dur("timeout", WriteTimeout).Msg("Event write timed out")
		return false
	case <-c.Done:
		return true
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleSSE serves GET /api/events until the request context ends.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client, err := b.AddClient(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	hello, _ := encode(Event{Type: EventConnected, Data: map[string]string{"clientId": client.ID}})
	if !write(client, hello) {
		return
	}

	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.Done:
			return
		case <-ticker.C:
			if !write(client, []byte(": ping\n\n")) {
				return
			}
		}
	}
}
