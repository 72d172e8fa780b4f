//go:generate go run go.uber.org/mock/mockgen -source=signal_iface.go -destination=../mocks/mock_signal_iface.go -package=mocks
package core

import "github.com/dkeye/meshconf/internal/protocol"

// Frame is a raw binary payload.
type Frame []byte

// SignalConnection abstracts one relay-side connection.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Signaler is the client side of the signaling channel.
type Signaler interface {
	Send(protocol.Message) error
}
