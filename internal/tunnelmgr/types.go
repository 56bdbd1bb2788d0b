package tunnelmgr

import "github.com/coinstash/tunnelmux/internal/wire"

// Direction names which side of a tunnel owns the local listener.
type Direction string

const (
	// DirectionForward is a tunnel where this manager owns the local
	// listener and the peer dials out on newConnection.
	DirectionForward Direction = "forward"

	// DirectionReverse is a tunnel where the peer owns the listener
	// and this manager dials localPort on newConnection.
	DirectionReverse Direction = "reverse"
)

// TunnelDescriptor is the identity of a tunnel from the requester's
// point of view. Two descriptors are equal iff every field matches;
// the zero value is never a valid descriptor.
type TunnelDescriptor struct {
	Direction  Direction
	LocalPort  int
	RemotePort int
	Family     wire.Family
}

// TunnelRequest is the input to CreateTunnel/CreateReverseTunnel.
type TunnelRequest struct {
	LocalPort  int
	RemotePort int
	Family     wire.Family
}

func (r TunnelRequest) family() wire.Family {
	if r.Family == "" {
		return wire.FamilyIPv4
	}
	return r.Family
}
