//go:generate go run go.uber.org/mock/mockgen -source=notify_iface.go -destination=../mocks/mock_notify_iface.go -package=mocks
package core

import "github.com/dkeye/meshconf/internal/domain"

type NoticeKind string

const (
	NoticeConferenceStarted    NoticeKind = "conference_started"
	NoticeJoined               NoticeKind = "joined"
	NoticeLeft                 NoticeKind = "left"
	NoticeConferenceAnnounced  NoticeKind = "conference_announced"
	NoticeConferenceEnded      NoticeKind = "conference_ended"
	NoticeAffordanceTerminated NoticeKind = "affordance_terminated"
	NoticeTileAdded            NoticeKind = "tile_added"
	NoticeTileRemoved          NoticeKind = "tile_removed"
	NoticePeerLeft             NoticeKind = "peer_left"
	NoticeError                NoticeKind = "error"
)

// Notice is a transient, user-visible event.
type Notice struct {
	Kind        NoticeKind
	Participant domain.ParticipantID
	Username    string
	Err         error
	Text        string
}

// Notifier receives notices from the session loop. Implementations must not block.
type Notifier interface {
	Notify(Notice)
}
