package server

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/kiteadmin/internal/access"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/registry"
	"github.com/gin-gonic/gin"
)

// Registry event types delivered on the admin event stream.
const (
	RegistryEventRegistered   = "registration"
	RegistryEventHeartbeat    = "heartbeat"
	RegistryEventDeregistered = "deregistration"
	RegistryEventInventory    = "inventory"
	registryEventReady        = "ready"
	registryEventKeepAlive    = "keep-alive"

	opEvents = "registry.events"

	// AllSites subscribes to events for every site.
	AllSites = "*"
)

// RegistryEvent reports a registry mutation.
type RegistryEvent struct {
	EventType  string    `json:"type"`
	SiteURL    string    `json:"siteUrl"`
	PluginSlug string    `json:"pluginSlug,omitempty"`
	Verified   bool      `json:"verified"`
	Timestamp  time.Time `json:"timestamp"`
}

// RegistryEventDispatcher fans registry events out to subscribers filtered by site.
// Slow subscribers drop events instead of blocking writers.
type RegistryEventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan RegistryEvent
}

func NewRegistryEventDispatcher() *RegistryEventDispatcher {
	return &RegistryEventDispatcher{
		subscribers: make(map[string]map[int64]*eventSubscriber),
		bufferSize:  32,
	}
}

// Subscribe registers a stream for siteURL, or for every site when siteURL is AllSites.
// The subscription ends when ctx is done or cleanup is called.
func (d *RegistryEventDispatcher) Subscribe(ctx context.Context, siteURL string) (<-chan RegistryEvent, func()) {
	if siteURL == "" {
		ch := make(chan RegistryEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RegistryEvent, d.bufferSize),
	}
	d.registerSubscriber(siteURL, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(siteURL, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RegistryEventDispatcher) Publish(event RegistryEvent) {
	if event.SiteURL == "" || event.EventType == "" {
		return
	}
	d.mu.RLock()
	targets := make([]*eventSubscriber, 0, len(d.subscribers[event.SiteURL])+len(d.subscribers[AllSites]))
	for _, subscriber := range d.subscribers[event.SiteURL] {
		targets = append(targets, subscriber)
	}
	for _, subscriber := range d.subscribers[AllSites] {
		targets = append(targets, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range targets {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *RegistryEventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RegistryEventDispatcher) registerSubscriber(siteURL string, subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[siteURL]; !ok {
		d.subscribers[siteURL] = make(map[int64]*eventSubscriber)
	}
	d.subscribers[siteURL][subscriber.id] = subscriber
}

func (d *RegistryEventDispatcher) unregisterSubscriber(siteURL string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[siteURL]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, siteURL)
		}
	}
	d.mu.Unlock()
}

// handleEvents streams registry events to an admin client as server-sent events.
func (h *httpHandler) handleEvents(c *gin.Context) {
	if err := h.gate.RequireAdmin(opEvents, c.GetHeader(access.AdminKeyHeader)); err != nil {
		h.writeError(c, err)
		return
	}
	site := strings.TrimSpace(c.Query("siteUrl"))
	if site == "" {
		site = AllSites
	}

	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx, site)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent(registryEventReady, gin.H{"siteUrl": site})
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.EventType, event)
			return true
		case tick := <-ticker.C:
			c.SSEvent(registryEventKeepAlive, gin.H{"timestamp": tick.UTC()})
			return true
		}
	})
}

func (h *httpHandler) publishEvent(eventType string, record registry.Registration) {
	h.events.Publish(RegistryEvent{
		EventType:  eventType,
		SiteURL:    record.SiteURL,
		PluginSlug: record.PluginSlug,
		Verified:   record.Verified,
		Timestamp:  time.Now().UTC(),
	})
}
