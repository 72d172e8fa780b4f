package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/dkeye/meshconf/internal/core"
	"github.com/gookit/color"
	"github.com/rs/zerolog/log"
)

// Printer is a core.Notifier writing one line per notice.
type Printer struct {
	mu     sync.Mutex
	out    io.Writer
	colors bool
}

func NewPrinter(out io.Writer, colors bool) *Printer {
	return &Printer{out: out, colors: colors}
}

func (p *Printer) Notify(n core.Notice) {
	ev := log.Info()
	if n.Err != nil {
		ev = log.Warn().Err(n.Err)
	}
	ev.Str("module", "console").Str("notice", string(n.Kind)).Str("participant", string(n.Participant)).Msg("notice")

	line := Format(n)
	if p.colors {
		line = styleOf(n.Kind).Render(line)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

// Format renders a notice without styling.
func Format(n core.Notice) string {
	who := string(n.Participant)
	if n.Username != "" {
		who = fmt.Sprintf("%s (%s)", n.Username, n.Participant)
	}
	switch n.Kind {
	case core.NoticeConferenceStarted:
		return "conference started, share your id: " + string(n.Participant)
	case core.NoticeJoined:
		return "joined conference of " + who
	case core.NoticeLeft:
		return "left conference"
	case core.NoticeConferenceAnnounced:
		return fmt.Sprintf("%s started a conference, type: join %s", who, n.Participant)
	case core.NoticeConferenceEnded:
		return "conference of " + who + " ended"
	case core.NoticeAffordanceTerminated:
		return "conference of " + who + " is no longer active"
	case core.NoticeTileAdded:
		return "receiving media from " + who
	case core.NoticeTileRemoved:
		if n.Err != nil {
			return fmt.Sprintf("media from %s stopped: %v", who, n.Err)
		}
		return "media from " + who + " stopped"
	case core.NoticePeerLeft:
		return who + " left"
	case core.NoticeError:
		if n.Participant != "" {
			return fmt.Sprintf("error with %s: %v", who, n.Err)
		}
		return fmt.Sprintf("error: %v", n.Err)
	}
	return string(n.Kind) + " " + who
}

func styleOf(k core.NoticeKind) color.Style {
	switch k {
	case core.NoticeError, core.NoticeAffordanceTerminated:
		return color.New(color.FgRed, color.OpBold)
	case core.NoticeConferenceAnnounced, core.NoticeConferenceStarted:
		return color.New(color.FgCyan)
	case core.NoticeTileAdded, core.NoticeJoined:
		return color.New(color.FgGreen)
	default:
		return color.New(color.FgYellow)
	}
}
