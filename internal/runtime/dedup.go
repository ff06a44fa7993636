package runtime

import (
	"container/list"
	"strings"
	"sync"
)

// Deduplicator remembers the last ordering value forwarded for each key. A
// delivery is a duplicate only when its key and ordering value both match
// that memory exactly, which is what a replayed stream produces.
type Deduplicator[K, V comparable] struct {
	mu      sync.Mutex
	maxKeys int
	entries map[K]*list.Element
	// recency holds *dedupEntry values, most recently updated at the front.
	recency *list.List
}

type dedupEntry[K, V comparable] struct {
	key      K
	ordering V
}

// DedupOption customises a Deduplicator.
type DedupOption func(*dedupConfig)

type dedupConfig struct {
	maxKeys int
}

// WithMaxKeys bounds the remembered keys. When full, the key updated least
// recently is forgotten. Zero or less means unbounded.
func WithMaxKeys(n int) DedupOption {
	return func(c *dedupConfig) { c.maxKeys = n }
}

// NewDeduplicator returns an empty, unbounded Deduplicator unless WithMaxKeys
// is given.
func NewDeduplicator[K, V comparable](opts ...DedupOption) *Deduplicator[K, V] {
	var cfg dedupConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Deduplicator[K, V]{
		maxKeys: cfg.maxKeys,
		entries: make(map[K]*list.Element),
		recency: list.New(),
	}
}

// IsDuplicate reports whether ordering equals the value last stored for key.
// When it does not, ordering becomes the stored value.
func (d *Deduplicator[K, V]) IsDuplicate(key K, ordering V) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.entries[key]; ok {
		entry := el.Value.(*dedupEntry[K, V])
		if entry.ordering == ordering {
			return true
		}
		entry.ordering = ordering
		d.recency.MoveToFront(el)
		return false
	}

	d.entries[key] = d.recency.PushFront(&dedupEntry[K, V]{key: key, ordering: ordering})
	if d.maxKeys > 0 && d.recency.Len() > d.maxKeys {
		oldest := d.recency.Back()
		d.recency.Remove(oldest)
		delete(d.entries, oldest.Value.(*dedupEntry[K, V]).key)
	}
	return false
}

// Len returns the number of remembered keys.
func (d *Deduplicator[K, V]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Forget drops key so its next delivery is forwarded.
func (d *Deduplicator[K, V]) Forget(key K) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.entries[key]; ok {
		d.recency.Remove(el)
		delete(d.entries, key)
	}
}

// Reset forgets every key.
func (d *Deduplicator[K, V]) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = make(map[K]*list.Element)
	d.recency.Init()
}

// KeyFunc extracts the identity key and ordering value of a message. ok is
// false when the message cannot be deduplicated and must be forwarded.
type KeyFunc func(msg Message) (key, ordering string, ok bool)

// FieldKey builds a KeyFunc reading both values from the JSON payload.
// Paths are dot separated object keys, e.g. "icao24" or "position.time".
// Values are compared as raw JSON text, so "1" and 1 differ.
func FieldKey(keyPath, orderPath string) KeyFunc {
	keyParts := splitPath(keyPath)
	orderParts := splitPath(orderPath)
	return func(msg Message) (string, string, bool) {
		key, ok := msg.Field(keyParts...)
		if !ok {
			return "", "", false
		}
		ordering, ok := msg.Field(orderParts...)
		if !ok {
			return "", "", false
		}
		return key, ordering, true
	}
}

func splitPath(path string) []any {
	parts := strings.Split(path, ".")
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
