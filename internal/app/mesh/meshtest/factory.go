package meshtest

import (
	"sync"

	"github.com/dkeye/meshconf/internal/core"
	"github.com/dkeye/meshconf/internal/domain"
)

// Factory records every link it builds on behalf of Owner.
type Factory struct {
	Owner domain.ParticipantID
	// Net, when set, is shared with the factories of the other participants.
	Net *Network

	mu    sync.Mutex
	links []*Link
	seq   int
	Err   error
	// Prepare runs on each new link before it is returned.
	Prepare func(*Link)
}

func NewFactory(owner domain.ParticipantID) *Factory { return &Factory{Owner: owner} }

func (f *Factory) NewLink(remote domain.ParticipantID) (core.MediaLink, error) {
	f.mu.Lock()
	if f.Err != nil {
		err := f.Err
		f.mu.Unlock()
		return nil, err
	}
	f.seq++
	l := newLink(f.Net, f.Owner, remote, f.seq)
	f.links = append(f.links, l)
	prepare := f.Prepare
	f.mu.Unlock()
	if prepare != nil {
		prepare(l)
	}
	return l, nil
}

// Links returns every link built so far, oldest first.
func (f *Factory) Links() []*Link {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Link(nil), f.links...)
}

// To returns the links built toward remote, oldest first.
func (f *Factory) To(remote domain.ParticipantID) []*Link {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Link
	for _, l := range f.links {
		if l.Remote == remote {
			out = append(out, l)
		}
	}
	return out
}

// Last returns the newest link toward remote.
func (f *Factory) Last(remote domain.ParticipantID) *Link {
	links := f.To(remote)
	if len(links) == 0 {
		return nil
	}
	return links[len(links)-1]
}

// GatherAll releases pending candidates on every open link and returns how many were emitted.
func (f *Factory) GatherAll() int {
	n := 0
	for _, l := range f.Links() {
		if !l.Closed() {
			n += l.Gather()
		}
	}
	return n
}
