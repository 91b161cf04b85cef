package storage

import "time"

// User is a registered identity. PasswordHash is owned by the auth package and never leaves the server
type User struct {
	Username     string
	PasswordHash []byte
	Avatar       string
	Bio          string
}

// Profile returns the public part of the user
func (u User) Profile() Profile {
	return Profile{
		Username: u.Username,
		Avatar:   u.Avatar,
		Bio:      u.Bio,
	}
}

type Profile struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Bio      string `json:"bio"`
}

// NewMessage holds caller-provided fields of a message; id and timestamp are assigned by the store
type NewMessage struct {
	From     string
	To       string
	Text     string
	MediaRef string
	FileName string
}

type Message struct {
	ID        int64     `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Text      string    `json:"text,omitempty"`
	MediaRef  string    `json:"mediaRef,omitempty"`
	FileName  string    `json:"fileName,omitempty"`
	CreatedAt time.Time `json:"time"`
	Reactions Reactions `json:"reactions"`
}

// Counterpart returns the participant of m which is not identity.
// For a self-addressed message it is identity itself.
func (m Message) Counterpart(identity string) string {
	if m.From == identity {
		return m.To
	}
	return m.From
}
