package variant

import "strings"

// Store exposes variant lookup for the command layer and HTTP handlers.
type Store interface {
	List() []Variant
	Default() Variant
	FindByID(id string) (Variant, bool)
	Match(arg string) (Variant, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Variant
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied variants.
func NewMemoryStore(items []Variant) *MemoryStore {
	return &MemoryStore{items: append([]Variant(nil), items...)}
}

// List returns the configured variants in order.
func (s *MemoryStore) List() []Variant {
	return append([]Variant(nil), s.items...)
}

// Default 返回首个变体；空列表时退回橘猫。
func (s *MemoryStore) Default() Variant {
	if len(s.items) == 0 {
		return Seed()[0]
	}
	return s.items[0]
}

// FindByID looks up a variant by its wire identifier.
func (s *MemoryStore) FindByID(id string) (Variant, bool) {
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Variant{}, false
}

// Match 按关键词匹配用户输入，忽略大小写，命中任意关键词子串即可。
func (s *MemoryStore) Match(arg string) (Variant, bool) {
	lowered := strings.ToLower(strings.TrimSpace(arg))
	if lowered == "" {
		return Variant{}, false
	}
	for _, item := range s.items {
		for _, kw := range item.Keywords {
			if kw != "" && strings.Contains(lowered, strings.ToLower(kw)) {
				return item, true
			}
		}
	}
	return Variant{}, false
}

// Names 返回 "橘猫 / 黑猫" 形式的可选列表。
func Names(items []Variant) string {
	names := make([]string, 0, len(items))
	for _, item := range items {
		names = append(names, item.Name)
	}
	return strings.Join(names, " / ")
}
