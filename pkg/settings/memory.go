package settings

import "sync"

// MemoryStore keeps settings in process memory. Writes notify unblocked
// handlers synchronously, before the setter returns.
type MemoryStore struct {
	mu  sync.RWMutex
	doc document
	reg registry
}

// NewMemoryStore returns a store holding the defaults.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) GetStrv(key string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, _ := m.doc.strv(key)
	return v
}

func (m *MemoryStore) SetStrv(key string, value []string) error {
	m.mu.Lock()
	doc, changed, err := m.doc.withStrv(key, value)
	if err == nil {
		m.doc = doc
	}
	m.mu.Unlock()

	if changed {
		m.reg.emit(key)
	}
	return err
}

func (m *MemoryStore) GetBool(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, _ := m.doc.boolean(key)
	return v
}

func (m *MemoryStore) SetBool(key string, value bool) error {
	m.mu.Lock()
	doc, changed, err := m.doc.withBool(key, value)
	if err == nil {
		m.doc = doc
	}
	m.mu.Unlock()

	if changed {
		m.reg.emit(key)
	}
	return err
}

func (m *MemoryStore) Connect(key string, h Handler) HandlerID { return m.reg.connect(key, h) }
func (m *MemoryStore) Disconnect(id HandlerID)                { m.reg.disconnect(id) }
func (m *MemoryStore) Block(id HandlerID)                     { m.reg.block(id) }
func (m *MemoryStore) Unblock(id HandlerID)                   { m.reg.unblock(id) }
