// Package settings holds the small key/value document the engine persists:
// the ordered credential index and the notifications toggle.
//
// Handlers are connected per key and can be blocked around a caller's own
// writes, so a component that both writes and watches a key never sees its
// own changes.
package settings

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Keys the engine reads and writes.
const (
	KeySecretList    = "secret-list"
	KeyNotifications = "notifications"
)

var ErrUnknownKey = errors.New("settings: unknown key")

// HandlerID identifies a connected handler.
type HandlerID uint64

// Handler is called with the key whose value changed.
type Handler func(key string)

// Store is the settings backend.
type Store interface {
	GetStrv(key string) []string
	SetStrv(key string, value []string) error
	GetBool(key string) bool
	SetBool(key string, value bool) error

	Connect(key string, h Handler) HandlerID
	Disconnect(id HandlerID)
	Block(id HandlerID)
	Unblock(id HandlerID)
}

// document is the persisted shape. A nil Notifications means the default.
type document struct {
	SecretList    []string `yaml:"secret-list,omitempty"`
	Notifications *bool    `yaml:"notifications,omitempty"`
}

func (d document) strv(key string) ([]string, error) {
	switch key {
	case KeySecretList:
		return slices.Clone(d.SecretList), nil
	}
	return nil, fmt.Errorf("%w: %q is not a string array", ErrUnknownKey, key)
}

func (d document) boolean(key string) (bool, error) {
	switch key {
	case KeyNotifications:
		if d.Notifications == nil {
			return true, nil
		}
		return *d.Notifications, nil
	}
	return false, fmt.Errorf("%w: %q is not a boolean", ErrUnknownKey, key)
}

// withStrv returns a copy of d with key set, and whether the value changed.
func (d document) withStrv(key string, value []string) (document, bool, error) {
	old, err := d.strv(key)
	if err != nil {
		return d, false, err
	}
	if slices.Equal(old, value) {
		return d, false, nil
	}
	d.SecretList = slices.Clone(value)
	return d, true, nil
}

func (d document) withBool(key string, value bool) (document, bool, error) {
	old, err := d.boolean(key)
	if err != nil {
		return d, false, err
	}
	v := value
	d.Notifications = &v
	return d, old != value, nil
}

// changedKeys lists the keys whose values differ between a and b.
func changedKeys(a, b document) []string {
	var keys []string
	if !slices.Equal(a.SecretList, b.SecretList) {
		keys = append(keys, KeySecretList)
	}
	an, _ := a.boolean(KeyNotifications)
	bn, _ := b.boolean(KeyNotifications)
	if an != bn {
		keys = append(keys, KeyNotifications)
	}
	return keys
}

type connection struct {
	key     string
	handler Handler
	blocked int
}

// registry tracks connected handlers. Block calls nest.
type registry struct {
	mu    sync.Mutex
	next  HandlerID
	conns map[HandlerID]*connection
}

func (r *registry) connect(key string, h Handler) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns == nil {
		r.conns = make(map[HandlerID]*connection)
	}
	r.next++
	r.conns[r.next] = &connection{key: key, handler: h}
	return r.next
}

func (r *registry) disconnect(id HandlerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

func (r *registry) block(id HandlerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		c.blocked++
	}
}

func (r *registry) unblock(id HandlerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok && c.blocked > 0 {
		c.blocked--
	}
}

// handlersFor snapshots the unblocked handlers for key, in connection order.
func (r *registry) handlersFor(key string) []Handler {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]HandlerID, 0, len(r.conns))
	for id, c := range r.conns {
		if c.key == key && c.blocked == 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, r.conns[id].handler)
	}
	return hs
}

// emit calls the handlers for each key. It must not be called with a store
// lock held: handlers usually read the store back.
func (r *registry) emit(keys ...string) {
	for _, key := range keys {
		for _, h := range r.handlersFor(key) {
			h(key)
		}
	}
}
