package traversal

import (
	"fmt"

	"github.com/lyc8503/holechat/stun"
)

type Mode int

const (
	ModeRejected Mode = iota
	ModeDirect
	ModePunching
	ModeRelay
)

func (m Mode) String() string {
	switch m {
	case ModeRejected:
		return "rejected"
	case ModeDirect:
		return "direct"
	case ModePunching:
		return "punching"
	case ModeRelay:
		return "relay"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// SelectMode picks the strategy for own talking to peer. Both sides run the
// same rule, so a pair that needs the relay always agrees on it.
//
// own should be the class this side advertised to the rendezvous server;
// classifications without a wire code (Open Internet, Symmetric UDP
// Firewall) are rejected here.
func SelectMode(own, peer stun.NATType) Mode {
	switch {
	case own.NeedsRelay() || peer.NeedsRelay():
		return ModeRelay
	case own == stun.FullCone:
		return ModeDirect
	case own == stun.RestrictedNAT, own == stun.RestrictedPortNAT:
		return ModePunching
	default:
		return ModeRejected
	}
}
