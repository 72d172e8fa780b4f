// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const MaxUsernameLen = 36

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

// ParticipantID is assigned by the signaling channel for one connection.
// A reconnect yields a new one.
type ParticipantID string

type Participant struct {
	ID       ParticipantID `json:"sid"`
	Username string        `json:"username"`
}

// NewParticipantID is used by the relay when a connection is accepted.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

func NewParticipant(id ParticipantID, username string) (*Participant, error) {
	p := &Participant{ID: id}
	if err := p.SetUsername(username); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Participant) SetUsername(username string) error {
	username = strings.TrimSpace(username)
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	p.Username = username
	return nil
}
