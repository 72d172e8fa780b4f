package conference

import (
	"github.com/dkeye/meshconf/internal/app/mesh"
	"github.com/dkeye/meshconf/internal/domain"
	"github.com/dkeye/meshconf/internal/protocol"
)

// Event is anything the session loop processes. The set is closed.
type Event interface{ event() }

// Inbound is a message received from the signaling channel.
type Inbound struct{ protocol.Delivery }

// StartRequested starts a new conference with this participant as initiator.
type StartRequested struct{}

// JoinRequested joins the conference announced by Initiator.
type JoinRequested struct{ Initiator domain.ParticipantID }

type LeaveRequested struct{}

// ChannelClosed reports that the signaling channel went away.
type ChannelClosed struct{}

type linkCandidate struct{ mesh.CandidateEvent }
type linkState struct{ mesh.LinkEvent }
type linkTrack struct{ mesh.TrackEvent }

func (Inbound) event()        {}
func (StartRequested) event() {}
func (JoinRequested) event()  {}
func (LeaveRequested) event() {}
func (ChannelClosed) event()  {}
func (linkCandidate) event()  {}
func (linkState) event()      {}
func (linkTrack) event()      {}

// observer hands link callbacks back to the session loop.
type observer struct{ s *Session }

func (o observer) LocalCandidate(ev mesh.CandidateEvent) { o.s.Post(linkCandidate{ev}) }
func (o observer) LinkStateChanged(ev mesh.LinkEvent)    { o.s.Post(linkState{ev}) }
func (o observer) RemoteTrack(ev mesh.TrackEvent)        { o.s.Post(linkTrack{ev}) }
