package meshtest

import "sync"

// Network lets links built by different factories see each other. A link on
// a network reports connected only when the link it negotiated with is open
// and negotiated back with it.
type Network struct {
	mu    sync.Mutex
	nodes map[string]*node
}

type node struct {
	link        *Link
	remoteUfrag string
	closed      bool
}

func NewNetwork() *Network { return &Network{nodes: make(map[string]*node)} }

func (n *Network) join(l *Link) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[l.ufrag] = &node{link: l}
}

func (n *Network) update(l *Link, remoteUfrag string, closed bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if nd, ok := n.nodes[l.ufrag]; ok {
		nd.remoteUfrag = remoteUfrag
		nd.closed = closed
	}
}

// peer returns the open link l negotiated with, if it negotiated back.
func (n *Network) peer(l *Link, remoteUfrag string) (*Link, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	nd, ok := n.nodes[remoteUfrag]
	if !ok || nd.closed || nd.remoteUfrag != l.ufrag {
		return nil, false
	}
	return nd.link, true
}
