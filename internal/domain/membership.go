package domain

type MembershipState int

const (
	NotInConference MembershipState = iota
	InConference
)

func (s MembershipState) String() string {
	switch s {
	case InConference:
		return "in-conference"
	default:
		return "not-in-conference"
	}
}

// NegotiationRole is the side a participant took on one link.
type NegotiationRole int

const (
	Offerer NegotiationRole = iota
	Answerer
)

func (r NegotiationRole) String() string {
	if r == Answerer {
		return "answerer"
	}
	return "offerer"
}
