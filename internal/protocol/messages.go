// Package protocol defines the signaling vocabulary exchanged over the relay.
//
// Every message is one of a closed set of types implementing Message. The sender
// identity is never part of a message: the relay stamps it on the wire and Decode
// returns it next to the message in a Delivery.
package protocol

import (
	"github.com/dkeye/meshconf/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindRegister         Kind = "register"
	KindWelcome          Kind = "welcome"
	KindJoinConference   Kind = "join_conference"
	KindLeaveConference  Kind = "leave_conference"
	KindVideoOffer       Kind = "video_offer"
	KindVideoAnswer      Kind = "video_answer"
	KindICECandidate     Kind = "ice_candidate"
	KindConferenceStatus Kind = "conference_status"
	KindParticipantLeft  Kind = "participant_left"
)

type Action string

const (
	ActionStarted Action = "started"
	ActionEnded   Action = "ended"
)

// Message is implemented only by the types in this file.
type Message interface {
	Kind() Kind
	message()
}

// Register names the connection in the relay roster.
type Register struct {
	Username string `validate:"required,max=36"`
}

// Welcome is sent by the relay right after a connection is accepted.
type Welcome struct {
	SID         domain.ParticipantID `validate:"required"`
	Conferences []domain.ConferenceAnnouncement
}

// JoinConference announces membership. InitiatorSID names the conference the sender
// joined through; the relay fills Username on the way out.
type JoinConference struct {
	InitiatorSID domain.ParticipantID
	Username     string
}

type LeaveConference struct {
	Username string
}

type Offer struct {
	TargetSID   domain.ParticipantID `validate:"required"`
	Description webrtc.SessionDescription
	Username    string
}

type Answer struct {
	TargetSID   domain.ParticipantID `validate:"required"`
	Description webrtc.SessionDescription
	Username    string
}

type ICECandidate struct {
	TargetSID domain.ParticipantID `validate:"required"`
	Candidate webrtc.ICECandidateInit
}

type ConferenceStatus struct {
	Action       Action               `validate:"oneof=started ended"`
	InitiatorSID domain.ParticipantID `validate:"required"`
	Username     string
}

// ParticipantLeft is emitted by the relay when a connection goes away.
type ParticipantLeft struct {
	Username string
}

func (Register) Kind() Kind         { return KindRegister }
func (Welcome) Kind() Kind          { return KindWelcome }
func (JoinConference) Kind() Kind   { return KindJoinConference }
func (LeaveConference) Kind() Kind  { return KindLeaveConference }
func (Offer) Kind() Kind            { return KindVideoOffer }
func (Answer) Kind() Kind           { return KindVideoAnswer }
func (ICECandidate) Kind() Kind     { return KindICECandidate }
func (ConferenceStatus) Kind() Kind { return KindConferenceStatus }
func (ParticipantLeft) Kind() Kind  { return KindParticipantLeft }

func (Register) message()         {}
func (Welcome) message()          {}
func (JoinConference) message()   {}
func (LeaveConference) message()  {}
func (Offer) message()            {}
func (Answer) message()           {}
func (ICECandidate) message()     {}
func (ConferenceStatus) message() {}
func (ParticipantLeft) message()  {}

// Delivery is a decoded message together with the sender stamped by the relay.
type Delivery struct {
	From domain.ParticipantID
	Msg  Message
}

// Target returns the recipient of a targeted message.
func Target(msg Message) (domain.ParticipantID, bool) {
	switch m := msg.(type) {
	case Offer:
		return m.TargetSID, true
	case Answer:
		return m.TargetSID, true
	case ICECandidate:
		return m.TargetSID, true
	default:
		return "", false
	}
}
