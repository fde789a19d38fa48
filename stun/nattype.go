package stun

import "fmt"

type NATType int

const (
	Blocked NATType = iota
	OpenInternet
	FullCone
	SymmetricFirewall
	RestrictedNAT
	RestrictedPortNAT
	SymmetricNAT
	Unknown
)

// Wire ids exchanged with the rendezvous server.
const (
	WireFullCone uint16 = iota
	WireRestrictedNAT
	WireRestrictedPortNAT
	WireSymmetricNAT
	WireUnknown
)

func (t NATType) String() string {
	switch t {
	case Blocked:
		return "Blocked"
	case OpenInternet:
		return "Open Internet"
	case FullCone:
		return "Full Cone"
	case SymmetricFirewall:
		return "Symmetric UDP Firewall"
	case RestrictedNAT:
		return "Restrict NAT"
	case RestrictedPortNAT:
		return "Restrict Port NAT"
	case SymmetricNAT:
		return "Symmetric NAT"
	case Unknown:
		return "Unknown NAT"
	default:
		return fmt.Sprintf("NATType(%d)", int(t))
	}
}

// Advertised returns the class a client announces to the rendezvous server.
// Classifications without a wire code collapse to Unknown.
func (t NATType) Advertised() NATType {
	switch t {
	case FullCone, RestrictedNAT, RestrictedPortNAT, SymmetricNAT:
		return t
	default:
		return Unknown
	}
}

// WireID returns the rendezvous wire code of t.Advertised().
func (t NATType) WireID() uint16 {
	switch t.Advertised() {
	case FullCone:
		return WireFullCone
	case RestrictedNAT:
		return WireRestrictedNAT
	case RestrictedPortNAT:
		return WireRestrictedPortNAT
	case SymmetricNAT:
		return WireSymmetricNAT
	default:
		return WireUnknown
	}
}

// NeedsRelay reports whether a peer of this class can only be reached through
// the rendezvous server.
func (t NATType) NeedsRelay() bool {
	return t == SymmetricNAT || t == Unknown
}

func NATTypeFromWireID(id uint16) (NATType, error) {
	switch id {
	case WireFullCone:
		return FullCone, nil
	case WireRestrictedNAT:
		return RestrictedNAT, nil
	case WireRestrictedPortNAT:
		return RestrictedPortNAT, nil
	case WireSymmetricNAT:
		return SymmetricNAT, nil
	case WireUnknown:
		return Unknown, nil
	default:
		return Unknown, fmt.Errorf("invalid NAT type id %d", id)
	}
}
