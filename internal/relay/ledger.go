package relay

import (
	"context"
	"errors"
	"fmt"
	"go.uber.org/zap"
	"nexus-relay/internal/metrics"
	"nexus-relay/internal/storage"
	"sync"
)

// ReactionRequest toggles Symbol of Identity on a message
type ReactionRequest struct {
	MessageID int64  `json:"messageId"`
	Symbol    string `json:"symbol"`
	Identity  string `json:"actingIdentity"`
}

// keyedMutex hands out one mutex per message id; entries live only while someone holds or waits on them
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id int64) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[int64]*refMutex)
	}
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()

	return func() {
		m.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Ledger linearizes reaction toggles per message and broadcasts the resulting map
type Ledger struct {
	logger    *zap.SugaredLogger
	store     MessageStore
	directory Directory
	locks     keyedMutex
}

func NewLedger(logger *zap.SugaredLogger, store MessageStore, directory Directory) *Ledger {
	return &Ledger{
		logger:    logger,
		store:     store,
		directory: directory,
	}
}

// Toggle flips membership of req.Identity in req.Symbol and sends reaction_updated with the full map
// to actor and to the online connections of the other participants. Nothing is sent on failure.
// The message lock is held until every update is queued, so receivers see toggles in commit order.
func (l *Ledger) Toggle(ctx context.Context, actor Conn, req ReactionRequest) (storage.Reactions, error) {
	if req.MessageID < 1 || req.Symbol == "" || req.Identity == "" {
		return nil, fmt.Errorf("%w: messageId, symbol and identity are required", ErrValidation)
	}

	unlock := l.locks.lock(req.MessageID)
	defer unlock()

	m, err := l.store.ToggleReaction(ctx, req.MessageID, req.Symbol, req.Identity)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotExist) {
			return nil, fmt.Errorf("%w: message %d", ErrNotFound, req.MessageID)
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	metrics.ReactionToggles.Inc()

	update := ReactionUpdate{MessageID: m.ID, Reactions: m.Reactions}

	sent := map[string]struct{}{}
	deliver := func(c Conn) {
		if _, ok := sent[c.ID()]; ok {
			return
		}
		sent[c.ID()] = struct{}{}
		if err := c.Send(EventReactionUpdated, update); err != nil {
			l.logger.Warnf("sending reaction update of message (id: %d): %v", m.ID, err)
		}
	}

	deliver(actor)
	for _, identity := range participants(m, req.Identity) {
		if c, ok := l.directory.Lookup(identity); ok {
			deliver(c)
		}
	}

	return m.Reactions, nil
}

// participants returns the identities of m other than actor. An actor outside the conversation
// gets both participants; a self-addressed message has none besides the actor.
func participants(m storage.Message, actor string) []string {
	if actor != m.From && actor != m.To {
		if m.From == m.To {
			return []string{m.From}
		}
		return []string{m.From, m.To}
	}
	if other := m.Counterpart(actor); other != actor {
		return []string{other}
	}
	return nil
}
