package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/meshconf/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/pion/webrtc/v4"
)

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidMessage = errors.New("invalid message")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// envelope is the JSON shape on the wire. Only the fields of the tagged kind are set.
type envelope struct {
	Type         Kind                            `json:"type"`
	SID          domain.ParticipantID            `json:"sid,omitempty"`
	TargetSID    domain.ParticipantID            `json:"target_sid,omitempty"`
	Username     string                          `json:"username,omitempty"`
	Offer        *webrtc.SessionDescription      `json:"offer,omitempty"`
	Answer       *webrtc.SessionDescription      `json:"answer,omitempty"`
	Candidate    *webrtc.ICECandidateInit        `json:"candidate,omitempty"`
	Action       Action                          `json:"action,omitempty"`
	InitiatorSID domain.ParticipantID            `json:"initiator_sid,omitempty"`
	Conferences  []domain.ConferenceAnnouncement `json:"conferences,omitempty"`
}

// Encode serializes msg. from is empty on the client side; the relay sets it.
func Encode(from domain.ParticipantID, msg Message) ([]byte, error) {
	env := envelope{Type: msg.Kind(), SID: from}

	switch m := msg.(type) {
	case Register:
		env.Username = m.Username
	case Welcome:
		env.SID = m.SID
		env.Conferences = m.Conferences
	case JoinConference:
		env.InitiatorSID = m.InitiatorSID
		env.Username = m.Username
	case LeaveConference:
		env.Username = m.Username
	case Offer:
		desc := m.Description
		env.TargetSID = m.TargetSID
		env.Offer = &desc
		env.Username = m.Username
	case Answer:
		desc := m.Description
		env.TargetSID = m.TargetSID
		env.Answer = &desc
		env.Username = m.Username
	case ICECandidate:
		cand := m.Candidate
		env.TargetSID = m.TargetSID
		env.Candidate = &cand
	case ConferenceStatus:
		env.Action = m.Action
		env.InitiatorSID = m.InitiatorSID
		env.Username = m.Username
	case ParticipantLeft:
		env.Username = m.Username
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}

	return json.Marshal(env)
}

// Decode parses one wire message and validates the fields its kind requires.
func Decode(data []byte) (Delivery, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Delivery{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var msg Message
	switch env.Type {
	case KindRegister:
		msg = Register{Username: env.Username}
	case KindWelcome:
		msg = Welcome{SID: env.SID, Conferences: env.Conferences}
	case KindJoinConference:
		msg = JoinConference{InitiatorSID: env.InitiatorSID, Username: env.Username}
	case KindLeaveConference:
		msg = LeaveConference{Username: env.Username}
	case KindVideoOffer:
		if env.Offer == nil || env.Offer.SDP == "" {
			return Delivery{}, fmt.Errorf("%w: %s without description", ErrInvalidMessage, env.Type)
		}
		msg = Offer{TargetSID: env.TargetSID, Description: *env.Offer, Username: env.Username}
	case KindVideoAnswer:
		if env.Answer == nil || env.Answer.SDP == "" {
			return Delivery{}, fmt.Errorf("%w: %s without description", ErrInvalidMessage, env.Type)
		}
		msg = Answer{TargetSID: env.TargetSID, Description: *env.Answer, Username: env.Username}
	case KindICECandidate:
		if env.Candidate == nil {
			return Delivery{}, fmt.Errorf("%w: %s without candidate", ErrInvalidMessage, env.Type)
		}
		msg = ICECandidate{TargetSID: env.TargetSID, Candidate: *env.Candidate}
	case KindConferenceStatus:
		msg = ConferenceStatus{Action: env.Action, InitiatorSID: env.InitiatorSID, Username: env.Username}
	case KindParticipantLeft:
		msg = ParticipantLeft{Username: env.Username}
	default:
		return Delivery{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := validate.Struct(msg); err != nil {
		return Delivery{}, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, env.Type, err)
	}

	from := env.SID
	if env.Type == KindWelcome {
		from = ""
	}
	return Delivery{From: from, Msg: msg}, nil
}
