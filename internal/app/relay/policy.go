package relay

import "github.com/dkeye/meshconf/internal/domain"

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	KickMember
)

// Policy is consulted when a frame cannot be queued for a participant.
type Policy interface {
	OnBackPressure(to domain.ParticipantID, err error) BackpressureAction
}

// DropPolicy loses the frame and keeps the participant.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(domain.ParticipantID, error) BackpressureAction { return DropFrame }

// KickPolicy closes the connection of a participant that cannot keep up. Its
// channel close then runs the normal departure path.
type KickPolicy struct{}

func (KickPolicy) OnBackPressure(domain.ParticipantID, error) BackpressureAction { return KickMember }

// PolicyByName maps the backpressure config value to a Policy.
func PolicyByName(name string) Policy {
	if name == "kick" {
		return KickPolicy{}
	}
	return DropPolicy{}
}
