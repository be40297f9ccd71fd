package loopii

import (
	"sync"
)

type TokenListener func(sessionJwt string)

type tokenListenerEntry struct {
	listener TokenListener
}

// the auth provider's session as seen by the sdk: the current access token
// plus refresh notifications. The provider itself is out of scope; the host
// application pushes tokens in as they rotate.
type Session struct {
	stateLock  sync.Mutex
	sessionJwt string

	listeners *CallbackList[*tokenListenerEntry]
}

func NewSession() *Session {
	return &Session{
		listeners: NewCallbackList[*tokenListenerEntry](),
	}
}

func (self *Session) SetToken(sessionJwt string) {
	self.stateLock.Lock()
	self.sessionJwt = sessionJwt
	self.stateLock.Unlock()

	for _, entry := range self.listeners.Get() {
		entry.listener(sessionJwt)
	}
}

func (self *Session) Token() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.sessionJwt
}

// resolves the current user id from the access token.
// false when not authenticated.
func (self *Session) UserId() (Id, bool) {
	token := self.Token()
	if token == "" {
		return Id{}, false
	}
	parsed, err := ParseSessionJwtUnverified(token)
	if err != nil {
		return Id{}, false
	}
	if parsed.UserId == (Id{}) {
		return Id{}, false
	}
	return parsed.UserId, true
}

func (self *Session) AddTokenListener(listener TokenListener) func() {
	entry := &tokenListenerEntry{
		listener: listener,
	}
	self.listeners.Add(entry)
	return func() {
		self.listeners.Remove(entry)
	}
}
