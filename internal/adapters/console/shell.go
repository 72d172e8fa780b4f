// Package console is the terminal front end of the headless client: a line
// command shell driving the conference session and a notice printer.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dkeye/meshconf/internal/app"
	"github.com/dkeye/meshconf/internal/app/conference"
	"github.com/dkeye/meshconf/internal/domain"
	"github.com/olekukonko/tablewriter"
)

var (
	ErrQuit           = errors.New("quit")
	ErrUnknownCommand = errors.New("unknown command")
	ErrMissingArg     = errors.New("missing argument")
)

// Session is the part of conference.Session the shell drives.
type Session interface {
	Post(conference.Event)
	Self() domain.ParticipantID
	State() domain.MembershipState
	Conferences() *app.ConferenceRegistry
	Peers() []conference.PeerStatus
}

type Shell struct {
	session Session
	out     io.Writer
}

func NewShell(session Session, out io.Writer) *Shell {
	return &Shell{session: session, out: out}
}

const help = "commands: start | join <sid> | leave | conferences | peers | whoami | quit"

// Exec runs one command line. Conference commands are posted to the session
// loop; queries are answered from its current state.
func (s *Shell) Exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch strings.ToLower(fields[0]) {
	case "start":
		s.session.Post(conference.StartRequested{})
	case "join":
		if len(fields) < 2 {
			return fmt.Errorf("join: %w", ErrMissingArg)
		}
		s.session.Post(conference.JoinRequested{Initiator: domain.ParticipantID(fields[1])})
	case "leave":
		s.session.Post(conference.LeaveRequested{})
	case "conferences":
		s.renderConferences()
	case "peers":
		s.renderPeers()
	case "whoami":
		fmt.Fprintf(s.out, "%s (%s)\n", s.session.Self(), s.session.State())
	case "help":
		fmt.Fprintln(s.out, help)
	case "quit", "exit":
		return ErrQuit
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, fields[0])
	}
	return nil
}

// Run reads commands from in until quit, EOF or ctx is done.
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(s.out, help)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return ErrQuit
			}
			err := s.Exec(line)
			if errors.Is(err, ErrQuit) {
				return err
			}
			if err != nil {
				fmt.Fprintln(s.out, err)
			}
		}
	}
}

func (s *Shell) renderConferences() {
	table := newTable(s.out, "Initiator", "Username")
	for _, a := range s.session.Conferences().List() {
		table.Append([]string{string(a.InitiatorID), a.InitiatorName})
	}
	table.Render()
}

func (s *Shell) renderPeers() {
	table := newTable(s.out, "Remote", "Role", "Phase")
	for _, p := range s.session.Peers() {
		table.Append([]string{string(p.Remote), p.Role.String(), p.Phase.String()})
	}
	table.Render()
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}
