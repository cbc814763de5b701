package gateway

import (
	"strings"
	"sync"
)

// ChannelTable maps channel names to device channel indexes. The monitor
// list seeds it in order (index 0 first); queued channel operations mutate
// it at runtime.
type ChannelTable struct {
	mu     sync.Mutex
	byName map[string]int
	byIdx  map[int]string
}

func NewChannelTable(names []string) *ChannelTable {
	t := &ChannelTable{
		byName: map[string]int{},
		byIdx:  map[int]string{},
	}
	for i, name := range names {
		t.setLocked(name, i)
	}
	return t
}

// Resolve returns the device index for a channel name.
func (t *ChannelTable) Resolve(name string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.byName[strings.ToLower(strings.TrimSpace(name))]
	return idx, ok
}

// Name returns the channel name at a device index, or "" when unmapped.
func (t *ChannelTable) Name(idx int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byIdx[idx]
}

// Set installs or moves a channel mapping.
func (t *ChannelTable) Set(name string, idx int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setLocked(name, idx)
}

// Remove drops a channel mapping by index.
func (t *ChannelTable) Remove(idx int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if name, ok := t.byIdx[idx]; ok {
		delete(t.byName, name)
		delete(t.byIdx, idx)
	}
}

func (t *ChannelTable) setLocked(name string, idx int) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return
	}
	if old, ok := t.byName[key]; ok {
		delete(t.byIdx, old)
	}
	if oldName, ok := t.byIdx[idx]; ok {
		delete(t.byName, oldName)
	}
	t.byName[key] = idx
	t.byIdx[idx] = key
}
