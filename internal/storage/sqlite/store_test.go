package sqlite

import (
	"context"
	"fmt"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nexus-relay/internal/storage"
	"path/filepath"
	"sync"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(zap.NewNop().Sugar(), filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(zap.NewNop().Sugar(), " ")
	require.Error(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")

	s, err := Open(zap.NewNop().Sugar(), path)
	require.NoError(t, err)
	require.NoError(t, s.CreateUser(context.Background(), storage.User{Username: "alice", PasswordHash: []byte("x")}))
	s.Close()

	s, err = Open(zap.NewNop().Sugar(), path)
	require.NoError(t, err)
	defer s.Close()

	u, err := s.UserByName(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", u.Username)
}

func TestCreateUserExists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u := storage.User{Username: "alice", PasswordHash: []byte("hash"), Bio: "Hello Nexus!"}
	require.NoError(t, s.CreateUser(ctx, u))
	require.Equal(t, storage.ErrUserExists, s.CreateUser(ctx, u))

	got, err := s.UserByName(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, u, got)
}

func TestUserByNameNotExist(t *testing.T) {
	s := openTestStore(t)

	_, err := s.UserByName(context.Background(), "nobody")
	require.Equal(t, storage.ErrUserNotExist, err)
}

func TestUpdateProfile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, storage.User{Username: "alice", PasswordHash: []byte("x")}))

	u, err := s.UpdateProfile(ctx, "alice", "http://host/uploads/a.png", "busy")
	require.NoError(t, err)
	require.Equal(t, "http://host/uploads/a.png", u.Avatar)
	require.Equal(t, "busy", u.Bio)

	_, err = s.UpdateProfile(ctx, "nobody", "", "")
	require.Equal(t, storage.ErrUserNotExist, err)
}

func TestSearchUsers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"Alice", "malice", "bob", "al_x", "alyx"} {
		require.NoError(t, s.CreateUser(ctx, storage.User{Username: name, PasswordHash: []byte("x")}))
	}

	found, err := s.SearchUsers(ctx, "ali")
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, "Alice", found[0].Username)
	require.Equal(t, "malice", found[1].Username)

	found, err = s.SearchUsers(ctx, "l_")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "al_x", found[0].Username)

	found, err = s.SearchUsers(ctx, "zzz")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Empty(t, found)
}

func TestSearchUsersLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < storage.SearchLimit+5; i++ {
		require.NoError(t, s.CreateUser(ctx, storage.User{Username: fmt.Sprintf("user%02d", i), PasswordHash: []byte("x")}))
	}

	found, err := s.SearchUsers(ctx, "user")
	require.NoError(t, err)
	require.Len(t, found, storage.SearchLimit)
}

func TestCreateMessageAndHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.CreateMessage(ctx, storage.NewMessage{From: "alice", To: "bob", Text: "hi"})
	require.NoError(t, err)
	second, err := s.CreateMessage(ctx, storage.NewMessage{From: "bob", To: "alice", MediaRef: "http://x/y.ogg", FileName: "voice.ogg"})
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, storage.NewMessage{From: "alice", To: "carol", Text: "elsewhere"})
	require.NoError(t, err)
	require.Greater(t, second.ID, first.ID)
	require.False(t, first.CreatedAt.IsZero())

	history, err := s.History(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, first, history[0])
	require.Equal(t, "voice.ogg", history[1].FileName)
	require.Equal(t, "", history[1].Text)

	history, err = s.History(ctx, "alice", "nobody")
	require.NoError(t, err)
	require.NotNil(t, history)
	require.Empty(t, history)
}

func TestToggleReaction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMessage(ctx, storage.NewMessage{From: "alice", To: "bob", Text: "hi"})
	require.NoError(t, err)

	got, err := s.ToggleReaction(ctx, m.ID, "❤️", "bob")
	require.NoError(t, err)
	require.Equal(t, storage.Reactions{"❤️": {"bob"}}, got.Reactions)
	require.Equal(t, "alice", got.From)
	require.Equal(t, "bob", got.To)

	got, err = s.ToggleReaction(ctx, m.ID, "❤️", "bob")
	require.NoError(t, err)
	require.Equal(t, storage.Reactions{}, got.Reactions)

	history, err := s.History(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Equal(t, storage.Reactions{}, history[0].Reactions)
}

func TestToggleReactionNotExist(t *testing.T) {
	s := openTestStore(t)

	_, err := s.ToggleReaction(context.Background(), 42, "👍", "alice")
	require.Equal(t, storage.ErrMessageNotExist, err)
}

func TestToggleReactionConcurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMessage(ctx, storage.NewMessage{From: "alice", To: "bob", Text: "hi"})
	require.NoError(t, err)

	n := 16
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(identity string) {
			defer wg.Done()
			_, err := s.ToggleReaction(ctx, m.ID, "👍", identity)
			errs <- err
		}(fmt.Sprintf("user-%d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	history, err := s.History(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, history[0].Reactions["👍"], n)
}

func TestContacts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, nm := range []storage.NewMessage{
		{From: "me", To: "a", Text: "1"},
		{From: "b", To: "me", Text: "2"},
		{From: "a", To: "me", Text: "3"},
		{From: "x", To: "y", Text: "unrelated"},
	} {
		_, err := s.CreateMessage(ctx, nm)
		require.NoError(t, err)
	}

	contacts, err := s.Contacts(ctx, "me")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, contacts)

	contacts, err = s.Contacts(ctx, "nobody")
	require.NoError(t, err)
	require.Empty(t, contacts)
}
