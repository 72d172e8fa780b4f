package domain

// ConferenceAnnouncement is what participants learn from a "conference started" broadcast.
// No lifecycle logic here; the registry owns insertion and removal.
type ConferenceAnnouncement struct {
	InitiatorID   ParticipantID `json:"initiator_sid"`
	InitiatorName string        `json:"username"`
	Active        bool          `json:"active"`
}

func NewConferenceAnnouncement(initiator ParticipantID, name string) *ConferenceAnnouncement {
	return &ConferenceAnnouncement{InitiatorID: initiator, InitiatorName: name, Active: true}
}
