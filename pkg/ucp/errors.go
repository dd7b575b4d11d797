package ucp

import "github.com/pkg/errors"

// Category classifies a dropped or logged condition per the protocol's error
// disposition table. No error of any category crosses the Stream surface:
// Send, Recv, Update, and ProcessPacket have no error return. On the Mux
// surface, only Dial returns one (CategoryProtocol, for a duplicate dial). A
// Category only exists to make dlog output greppable and to let tests assert
// on why something was dropped.
type Category int

const (
	// CategoryProtocol covers illegal packets, unknown commands, address/session
	// mismatches, and malformed handshake or ACK payloads.
	CategoryProtocol Category = iota
	// CategoryTransport covers datagram endpoint read/write failures.
	CategoryTransport
	// CategoryTimeout covers liveness expiry.
	CategoryTimeout
)

func (c Category) String() string {
	switch c {
	case CategoryProtocol:
		return "protocol"
	case CategoryTransport:
		return "transport"
	case CategoryTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

type categorized struct {
	error
	category Category
}

func (c Category) wrap(err error) error {
	if err == nil {
		return nil
	}
	return &categorized{error: err, category: c}
}

func (c Category) newf(format string, args ...interface{}) error {
	return &categorized{error: errors.Errorf(format, args...), category: c}
}

func (ce *categorized) Unwrap() error {
	return ce.error
}

// CategoryOf returns the Category attached to err, or CategoryProtocol if err
// was not produced by this package.
func CategoryOf(err error) Category {
	for err != nil {
		if ce, ok := err.(*categorized); ok {
			return ce.category
		}
		err = errors.Unwrap(err)
	}
	return CategoryProtocol
}
