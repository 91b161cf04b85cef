package relay

import (
	"context"
	"fmt"
	"go.uber.org/zap"
	"nexus-relay/internal/metrics"
	"nexus-relay/internal/storage"
	"strings"
)

// MessageStore is the part of the store used by the Dispatcher and the Ledger
type MessageStore interface {
	CreateMessage(ctx context.Context, nm storage.NewMessage) (storage.Message, error)
	ToggleReaction(ctx context.Context, id int64, symbol, identity string) (storage.Message, error)
}

// SendRequest is a message as submitted by its sender
type SendRequest struct {
	To       string `json:"to"`
	Text     string `json:"text"`
	MediaRef string `json:"mediaRef"`
	FileName string `json:"fileName"`
}

// Dispatcher persists outgoing messages and fans them out to the recipient and the sender
type Dispatcher struct {
	logger    *zap.SugaredLogger
	store     MessageStore
	directory Directory
}

func NewDispatcher(logger *zap.SugaredLogger, store MessageStore, directory Directory) *Dispatcher {
	return &Dispatcher{
		logger:    logger,
		store:     store,
		directory: directory,
	}
}

// Send stores the message and only then notifies: the recipient gets receive_private_message when it is
// online on a connection other than sender, the sender always gets message_sent_confirmation.
// A self-addressed message therefore yields exactly one event.
func (d *Dispatcher) Send(ctx context.Context, sender Conn, from string, req SendRequest) (storage.Message, error) {
	if req.To == "" {
		return storage.Message{}, fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if strings.TrimSpace(req.Text) == "" && req.MediaRef == "" {
		return storage.Message{}, fmt.Errorf("%w: message has neither text nor media", ErrValidation)
	}

	m, err := d.store.CreateMessage(ctx, storage.NewMessage{
		From:     from,
		To:       req.To,
		Text:     req.Text,
		MediaRef: req.MediaRef,
		FileName: req.FileName,
	})
	if err != nil {
		return storage.Message{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	metrics.MessagesPersisted.Inc()

	recipient, ok := d.directory.Lookup(m.To)
	switch {
	case !ok:
		metrics.Deliveries.WithLabelValues("offline").Inc()
		d.logger.Debugf("Recipient (%s) of message (id: %d) is offline", m.To, m.ID)
	case recipient.ID() == sender.ID():
		metrics.Deliveries.WithLabelValues("self").Inc()
	default:
		if err := recipient.Send(EventReceiveMessage, m); err != nil {
			d.logger.Warnf("delivering message (id: %d) to (%s): %v", m.ID, m.To, err)
		} else {
			metrics.Deliveries.WithLabelValues("delivered").Inc()
		}
	}

	if err := sender.Send(EventMessageSent, m); err != nil {
		d.logger.Warnf("confirming message (id: %d) to (%s): %v", m.ID, from, err)
	}

	return m, nil
}
