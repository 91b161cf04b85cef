package relay

import (
	"context"
	"nexus-relay/internal/storage"
	"nexus-relay/internal/storage/sqlite"
	mytesting "nexus-relay/internal/testing"
	"sync"
	"testing"
)

type event struct {
	name    string
	payload interface{}
}

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []event
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(name string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event{name: name, payload: payload})
	return nil
}

func (c *fakeConn) Events() []event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event(nil), c.events...)
}

func (c *fakeConn) Named(name string) []event {
	out := make([]event, 0)
	for _, e := range c.Events() {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

// failingStore fails every call with err
type failingStore struct {
	err error
}

func (s failingStore) CreateMessage(context.Context, storage.NewMessage) (storage.Message, error) {
	return storage.Message{}, s.err
}

func (s failingStore) ToggleReaction(context.Context, int64, string, string) (storage.Message, error) {
	return storage.Message{}, s.err
}

func openStore(t *testing.T) *sqlite.Store {
	return mytesting.SQLiteStore(t)
}

func profile(name string) storage.Profile {
	return storage.Profile{Username: name, Bio: "Hello Nexus!"}
}
