package server

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/valyala/fastjson"
	"nexus-relay/internal/auth"
	"nexus-relay/internal/metrics"
	"nexus-relay/internal/relay"
	"strconv"
	"strings"
)

// ack is the payload of an acknowledgement; data keys are merged next to success/message
type ack map[string]interface{}

func (c *client) ack(requestID string, a ack) {
	if requestID == "" {
		return
	}
	if err := c.write(outFrame{Type: relay.EventAck, RequestID: requestID, Payload: a}); err != nil {
		c.logger.Debugf("ack %s: %v", requestID, err)
	}
}

func (c *client) ackOK(requestID string, a ack) {
	if a == nil {
		a = ack{}
	}
	a["success"] = true
	c.ack(requestID, a)
}

func (c *client) ackError(requestID string, err error) {
	c.ack(requestID, ack{"success": false, "message": userMessage(err)})
}

// userMessage collapses err into a short text safe to show to users
func userMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrUsernameTaken):
		return "Username is taken"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "Invalid username or password"
	case errors.Is(err, errNotLoggedIn):
		return "Not logged in"
	case errors.Is(err, errForbidden):
		return "Not allowed"
	case errors.Is(err, relay.ErrValidation):
		return "Invalid request"
	case errors.Is(err, relay.ErrNotFound):
		return "Not found"
	default:
		return "Server error"
	}
}

var (
	errNotLoggedIn = errors.New("not logged in")
	errForbidden   = errors.New("acting for another identity")
)

// handleFrame parses one inbound frame {"type", "request_id", "payload"} and routes it
func (g *Gateway) handleFrame(ctx context.Context, c *client, data []byte) {
	parser := g.parsers.Get()
	defer g.parsers.Put(parser)

	v, err := parser.ParseBytes(data)
	if err != nil || v.Type() != fastjson.TypeObject {
		c.Send(relay.EventError, ack{"message": "Malformed frame"})
		return
	}

	typ := string(v.GetStringBytes("type"))
	requestID := string(v.GetStringBytes("request_id"))
	payload := v.Get("payload")

	metrics.Frames.WithLabelValues(frameLabel(typ)).Inc()

	switch typ {
	case relay.EventRegister:
		g.handleRegister(ctx, c, requestID, payload)
		return
	case relay.EventLogin:
		g.handleLogin(ctx, c, requestID, payload)
		return
	}

	if c.identity == "" {
		c.ackError(requestID, errNotLoggedIn)
		return
	}

	switch typ {
	case relay.EventGetContacts:
		g.handleGetContacts(ctx, c, requestID, payload)
	case relay.EventSearchUsers:
		g.handleSearchUsers(ctx, c, requestID, payload)
	case relay.EventGetHistory:
		g.handleGetHistory(ctx, c, requestID, payload)
	case relay.EventUpdateProfile:
		g.handleUpdateProfile(ctx, c, requestID, payload)
	case relay.EventSendMessage:
		g.handleSendMessage(ctx, c, requestID, payload)
	case relay.EventAddReaction:
		g.handleAddReaction(ctx, c, requestID, payload)
	case relay.EventTyping, relay.EventStopTyping:
		g.signaling.Typing(typ, c.identity, stringField(payload, "to"))
	default:
		kind, ok := relay.ParseSignalKind(typ)
		if !ok {
			c.ackError(requestID, relay.ErrValidation)
			return
		}
		var raw json.RawMessage
		if p := payload.Get("payload"); p != nil {
			raw = p.MarshalTo(nil)
		}
		g.signaling.Relay(ctx, kind, c.identity, stringField(payload, "to"), raw)
	}
}

// frameLabel bounds the label values of the frames counter
func frameLabel(typ string) string {
	switch typ {
	case relay.EventRegister, relay.EventLogin, relay.EventGetContacts, relay.EventSearchUsers,
		relay.EventGetHistory, relay.EventUpdateProfile, relay.EventSendMessage, relay.EventAddReaction,
		relay.EventTyping, relay.EventStopTyping:
		return typ
	}
	if _, ok := relay.ParseSignalKind(typ); ok {
		return typ
	}
	return "unknown"
}

func (g *Gateway) handleRegister(ctx context.Context, c *client, requestID string, payload *fastjson.Value) {
	ctx, cancel := g.opContext(ctx)
	defer cancel()

	err := g.auth.Register(ctx, stringField(payload, "username"), stringField(payload, "password"))
	if err != nil {
		g.logFailure(c, relay.EventRegister, err)
		c.ackError(requestID, err)
		return
	}
	c.ackOK(requestID, ack{"message": "Registration successful"})
}

func (g *Gateway) handleLogin(ctx context.Context, c *client, requestID string, payload *fastjson.Value) {
	ctx, cancel := g.opContext(ctx)
	defer cancel()

	profile, err := g.auth.Login(ctx, stringField(payload, "username"), stringField(payload, "password"))
	if err != nil {
		g.logFailure(c, relay.EventLogin, err)
		c.ackError(requestID, err)
		return
	}

	c.ackOK(requestID, ack{"user": profile})
	g.login(c, profile)
}

// handleGetContacts accepts the identity as a plain string payload; it may only name the caller
func (g *Gateway) handleGetContacts(ctx context.Context, c *client, requestID string, payload *fastjson.Value) {
	if who := stringValue(payload); who != "" && who != c.identity {
		c.ackError(requestID, errForbidden)
		return
	}

	ctx, cancel := g.opContext(ctx)
	defer cancel()

	contacts, err := g.store.Contacts(ctx, c.identity)
	if err != nil {
		g.logFailure(c, relay.EventGetContacts, err)
		c.ackError(requestID, relay.ErrPersistence)
		return
	}
	c.ackOK(requestID, ack{"contacts": contacts})
}

func (g *Gateway) handleSearchUsers(ctx context.Context, c *client, requestID string, payload *fastjson.Value) {
	query := strings.TrimSpace(stringValue(payload))
	if query == "" {
		query = strings.TrimSpace(stringField(payload, "query"))
	}
	if query == "" {
		c.ackOK(requestID, ack{"users": []interface{}{}})
		return
	}

	ctx, cancel := g.opContext(ctx)
	defer cancel()

	users, err := g.store.SearchUsers(ctx, query)
	if err != nil {
		g.logFailure(c, relay.EventSearchUsers, err)
		c.ackError(requestID, relay.ErrPersistence)
		return
	}
	c.ackOK(requestID, ack{"users": users})
}

func (g *Gateway) handleGetHistory(ctx context.Context, c *client, requestID string, payload *fastjson.Value) {
	self, other := stringField(payload, "self"), stringField(payload, "other")
	if self != "" && self != c.identity {
		c.ackError(requestID, errForbidden)
		return
	}
	if other == "" {
		c.ackError(requestID, relay.ErrValidation)
		return
	}

	ctx, cancel := g.opContext(ctx)
	defer cancel()

	messages, err := g.store.History(ctx, c.identity, other)
	if err != nil {
		g.logFailure(c, relay.EventGetHistory, err)
		c.ackError(requestID, relay.ErrPersistence)
		return
	}
	c.ackOK(requestID, ack{"messages": messages})
}

// handleUpdateProfile keeps the current value of absent fields and refreshes the online set
func (g *Gateway) handleUpdateProfile(ctx context.Context, c *client, requestID string, payload *fastjson.Value) {
	avatar, bio := c.profile.Avatar, c.profile.Bio
	if payload.Exists("avatar") {
		avatar = stringField(payload, "avatar")
	}
	if payload.Exists("bio") {
		bio = stringField(payload, "bio")
	}

	ctx, cancel := g.opContext(ctx)
	defer cancel()

	profile, err := g.auth.UpdateProfile(ctx, c.identity, avatar, bio)
	if err != nil {
		g.logFailure(c, relay.EventUpdateProfile, err)
		c.ackError(requestID, err)
		return
	}
	c.profile = profile
	c.ackOK(requestID, ack{"user": profile})

	if g.registry.Update(profile) {
		g.broadcastPresence(g.registry.Snapshot())
	}
}

func (g *Gateway) handleSendMessage(ctx context.Context, c *client, requestID string, payload *fastjson.Value) {
	req := relay.SendRequest{
		To:       stringField(payload, "to"),
		Text:     stringField(payload, "text"),
		MediaRef: stringField(payload, "mediaRef"),
		FileName: stringField(payload, "fileName"),
	}

	ctx, cancel := g.opContext(ctx)
	defer cancel()

	m, err := g.dispatcher.Send(ctx, c, c.identity, req)
	if err != nil {
		g.logFailure(c, relay.EventSendMessage, err)
		c.ackError(requestID, err)
		return
	}
	c.ackOK(requestID, ack{"id": m.ID})
}

// handleAddReaction acts for the caller; actingIdentity, when present, must name the caller
// Recipients come from the stored message, so a client-sent counterpart is not read.
func (g *Gateway) handleAddReaction(ctx context.Context, c *client, requestID string, payload *fastjson.Value) {
	acting := stringField(payload, "actingIdentity")
	if acting != "" && acting != c.identity {
		c.ackError(requestID, errForbidden)
		return
	}

	req := relay.ReactionRequest{
		MessageID: int64Field(payload, "messageId"),
		Symbol:    stringField(payload, "symbol"),
		Identity:  c.identity,
	}

	ctx, cancel := g.opContext(ctx)
	defer cancel()

	reactions, err := g.ledger.Toggle(ctx, c, req)
	if err != nil {
		g.logFailure(c, relay.EventAddReaction, err)
		c.ackError(requestID, err)
		return
	}
	c.ackOK(requestID, ack{"reactions": reactions})
}

// logFailure logs expected client errors at debug and everything else at error
func (g *Gateway) logFailure(c *client, event string, err error) {
	if errors.Is(err, relay.ErrValidation) || errors.Is(err, relay.ErrAuth) || errors.Is(err, relay.ErrNotFound) {
		c.logger.Debugf("%s: %v", event, err)
		return
	}
	c.logger.Errorf("%s: %v", event, err)
}

func stringValue(v *fastjson.Value) string {
	if v == nil || v.Type() != fastjson.TypeString {
		return ""
	}
	b, _ := v.StringBytes()
	return string(b)
}

func stringField(v *fastjson.Value, key string) string {
	return stringValue(v.Get(key))
}

// int64Field accepts both JSON numbers and numeric strings
func int64Field(v *fastjson.Value, key string) int64 {
	f := v.Get(key)
	if f == nil {
		return 0
	}
	switch f.Type() {
	case fastjson.TypeNumber:
		n, err := f.Int64()
		if err != nil {
			return 0
		}
		return n
	case fastjson.TypeString:
		b, _ := f.StringBytes()
		n, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}
