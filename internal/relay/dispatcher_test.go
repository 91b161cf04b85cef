package relay

import (
	"context"
	"errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nexus-relay/internal/storage"
	"testing"
)

func TestSendDeliversAndConfirms(t *testing.T) {
	store := openStore(t)
	r := NewRegistry()
	d := NewDispatcher(zap.NewNop().Sugar(), store, r)

	alice, bob := newFakeConn("c-alice"), newFakeConn("c-bob")
	r.Register(profile("alice"), alice)
	r.Register(profile("bob"), bob)

	m, err := d.Send(context.Background(), alice, "alice", SendRequest{To: "bob", Text: "hi"})
	require.NoError(t, err)
	require.NotZero(t, m.ID)

	received := bob.Named(EventReceiveMessage)
	require.Len(t, received, 1)
	got := received[0].payload.(storage.Message)
	require.Equal(t, m.ID, got.ID)
	require.Equal(t, "alice", got.From)
	require.Equal(t, "hi", got.Text)
	require.NotNil(t, got.Reactions)
	require.Empty(t, got.Reactions)
	require.Empty(t, bob.Named(EventMessageSent))

	confirmed := alice.Named(EventMessageSent)
	require.Len(t, confirmed, 1)
	require.Equal(t, "bob", confirmed[0].payload.(storage.Message).To)
	require.Len(t, alice.Events(), 1)

	history, err := store.History(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, m.ID, history[len(history)-1].ID)
	require.Empty(t, history[0].Reactions)
}

func TestSendToSelfYieldsOneEvent(t *testing.T) {
	store := openStore(t)
	r := NewRegistry()
	d := NewDispatcher(zap.NewNop().Sugar(), store, r)

	alice := newFakeConn("c-alice")
	r.Register(profile("alice"), alice)

	_, err := d.Send(context.Background(), alice, "alice", SendRequest{To: "alice", Text: "note"})
	require.NoError(t, err)

	events := alice.Events()
	require.Len(t, events, 1)
	require.Equal(t, EventMessageSent, events[0].name)
}

func TestSendToOfflineRecipient(t *testing.T) {
	store := openStore(t)
	r := NewRegistry()
	d := NewDispatcher(zap.NewNop().Sugar(), store, r)

	alice := newFakeConn("c-alice")
	r.Register(profile("alice"), alice)

	m, err := d.Send(context.Background(), alice, "alice", SendRequest{To: "bob", Text: "hi"})
	require.NoError(t, err)
	require.Len(t, alice.Named(EventMessageSent), 1)

	history, err := store.History(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, m.ID, history[0].ID)
}

func TestSendMediaOnly(t *testing.T) {
	store := openStore(t)
	r := NewRegistry()
	d := NewDispatcher(zap.NewNop().Sugar(), store, r)

	alice := newFakeConn("c-alice")
	m, err := d.Send(context.Background(), alice, "alice", SendRequest{
		To:       "bob",
		MediaRef: "http://localhost:9000/uploads/1-voice.webm",
		FileName: "voice.webm",
	})
	require.NoError(t, err)
	require.Equal(t, "voice.webm", m.FileName)
	require.Equal(t, "", m.Text)
}

func TestSendValidation(t *testing.T) {
	r := NewRegistry()
	d := NewDispatcher(zap.NewNop().Sugar(), failingStore{err: errors.New("must not be called")}, r)

	alice := newFakeConn("c-alice")
	for _, req := range []SendRequest{
		{To: "bob"},
		{To: "bob", Text: "   "},
		{Text: "hi"},
	} {
		_, err := d.Send(context.Background(), alice, "alice", req)
		require.True(t, errors.Is(err, ErrValidation), "request %+v", req)
	}
	require.Empty(t, alice.Events())
}

func TestSendPersistenceFailureEmitsNothing(t *testing.T) {
	r := NewRegistry()
	d := NewDispatcher(zap.NewNop().Sugar(), failingStore{err: errors.New("db is down")}, r)

	alice, bob := newFakeConn("c-alice"), newFakeConn("c-bob")
	r.Register(profile("alice"), alice)
	r.Register(profile("bob"), bob)

	_, err := d.Send(context.Background(), alice, "alice", SendRequest{To: "bob", Text: "hi"})
	require.True(t, errors.Is(err, ErrPersistence))
	require.Empty(t, alice.Events())
	require.Empty(t, bob.Events())
}
