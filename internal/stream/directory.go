package stream

import (
	"errors"
	"sync"
)

var (
	// ErrHubClosed is returned when attaching to a hub whose stream ended.
	ErrHubClosed = errors.New("stream hub closed")
	// ErrStreamExists is returned when a second publisher claims a key that
	// is already live on this node.
	ErrStreamExists = errors.New("stream already exists")
	// ErrStreamNotFound is returned when no live publisher exists for a key,
	// locally or anywhere in the cluster.
	ErrStreamNotFound = errors.New("stream not found")
)

// Observer is notified when hubs come and go, letting side pipelines (the
// HLS remuxer in particular) follow every live stream regardless of whether
// a local publisher or a relay puller feeds it.
type Observer interface {
	HubCreated(hub *Hub)
}

// Directory tracks the hubs live on this replica, whether fed by a local
// publisher or by a relay puller. It is the single local lookup point for
// delivery sessions.
type Directory struct {
	mu       sync.RWMutex
	hubs     map[Key]*Hub
	observer Observer
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{hubs: make(map[Key]*Hub)}
}

// SetObserver installs the hub lifecycle observer. Must be called before
// any publisher is accepted.
func (d *Directory) SetObserver(o Observer) {
	d.mu.Lock()
	d.observer = o
	d.mu.Unlock()
}

// Create registers a new hub for the key. It fails with ErrStreamExists when
// a live hub is already present.
func (d *Directory) Create(key Key, cfg HubConfig) (*Hub, error) {
	d.mu.Lock()
	if _, ok := d.hubs[key]; ok {
		d.mu.Unlock()
		return nil, ErrStreamExists
	}
	hub := NewHub(key, cfg)
	d.hubs[key] = hub
	observer := d.observer
	d.mu.Unlock()
	if observer != nil {
		observer.HubCreated(hub)
	}
	return hub, nil
}

// Get returns the live hub for the key, if any.
func (d *Directory) Get(key Key) (*Hub, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	hub, ok := d.hubs[key]
	return hub, ok
}

// Remove closes and forgets the hub for the key. Removing an absent key is a
// no-op. The hub is only removed if it is the same instance, so a publisher
// that restarted quickly cannot tear down its successor's hub.
func (d *Directory) Remove(key Key, hub *Hub) {
	d.mu.Lock()
	current, ok := d.hubs[key]
	if ok && (hub == nil || current == hub) {
		delete(d.hubs, key)
	} else {
		current = nil
	}
	d.mu.Unlock()
	if current != nil {
		current.Close()
	}
}

// Keys lists the stream keys currently live on this replica.
func (d *Directory) Keys() []Key {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]Key, 0, len(d.hubs))
	for key := range d.hubs {
		keys = append(keys, key)
	}
	return keys
}

// Len returns the number of live hubs.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.hubs)
}
