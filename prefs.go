package loopii

import (
	"sync"
)

// locally persisted UI preferences. The web client kept these in
// localStorage; the sdk accepts any backing store.
type PreferenceStore interface {
	Get(key string) (value string, ok bool)
	Set(key string, value string)
}

type MemoryPreferences struct {
	stateLock sync.Mutex
	values    map[string]string
}

func NewMemoryPreferences() *MemoryPreferences {
	return &MemoryPreferences{
		values: map[string]string{},
	}
}

func (self *MemoryPreferences) Get(key string) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	value, ok := self.values[key]
	return value, ok
}

func (self *MemoryPreferences) Set(key string, value string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.values[key] = value
}
