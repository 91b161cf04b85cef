package relay

import (
	"context"
	"encoding/json"
	"go.uber.org/zap"
	"nexus-relay/internal/metrics"
)

// SignalKind is one of the call negotiation events forwarded between peers
type SignalKind string

const (
	CallOffer    SignalKind = "call-offer"
	CallAnswer   SignalKind = "call-answer"
	ICECandidate SignalKind = "ice-candidate"
	CallEnd      SignalKind = "call-end"
)

var signalKinds = map[SignalKind]struct{}{
	CallOffer:    {},
	CallAnswer:   {},
	ICECandidate: {},
	CallEnd:      {},
}

// ParseSignalKind reports whether event names a call signal
func ParseSignalKind(event string) (SignalKind, bool) {
	k := SignalKind(event)
	_, ok := signalKinds[k]
	return k, ok
}

// Signaling forwards call negotiation payloads verbatim. It keeps no call state; whether
// offers, answers and hangups arrive in a sensible order is up to the clients.
type Signaling struct {
	logger    *zap.SugaredLogger
	directory Directory
}

func NewSignaling(logger *zap.SugaredLogger, directory Directory) *Signaling {
	return &Signaling{
		logger:    logger,
		directory: directory,
	}
}

// Relay forwards payload from one identity to target and reports whether target was reachable.
// An unreachable target is not an error and nothing is sent to anyone.
func (s *Signaling) Relay(_ context.Context, kind SignalKind, from, target string, payload json.RawMessage) bool {
	c, ok := s.directory.Lookup(target)
	if !ok {
		metrics.Signals.WithLabelValues(string(kind), "dropped").Inc()
		s.logger.Debugf("Dropping %s from (%s): target (%s) is offline", kind, from, target)
		return false
	}

	if err := c.Send(string(kind), SignalEnvelope{From: from, Payload: payload}); err != nil {
		metrics.Signals.WithLabelValues(string(kind), "dropped").Inc()
		s.logger.Warnf("forwarding %s from (%s) to (%s): %v", kind, from, target, err)
		return false
	}
	metrics.Signals.WithLabelValues(string(kind), "forwarded").Inc()
	return true
}

// Typing forwards typing or stop_typing to target, if online
func (s *Signaling) Typing(event, from, target string) bool {
	c, ok := s.directory.Lookup(target)
	if !ok {
		return false
	}
	if err := c.Send(event, TypingNotice{From: from}); err != nil {
		s.logger.Debugf("forwarding %s from (%s) to (%s): %v", event, from, target, err)
		return false
	}
	return true
}
