package sidechannel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/lyc8503/holechat/stun"
)

const RecordSize = 8

var ErrInvalidRecord = errors.New("invalid endpoint record")

// EndpointRecord is what the rendezvous server tells a client about its
// partner. Wire form: IPv4 (4B) ++ port (2B) ++ NAT type id (2B); both
// integers are big-endian.
type EndpointRecord struct {
	IP      [4]byte
	Port    uint16
	NATType uint16
}

// NewEndpointRecord resolves host and parses port the way a datagram source
// address is rendered, e.g. from net.SplitHostPort(addr.String()).
func NewEndpointRecord(host, port string, natType uint16) (EndpointRecord, error) {
	ip, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return EndpointRecord{}, fmt.Errorf("%w: invalid host %q: %v", ErrInvalidRecord, host, err)
	}
	ip4 := ip.IP.To4()
	if ip4 == nil {
		return EndpointRecord{}, fmt.Errorf("%w: %v is not IPv4", ErrInvalidRecord, ip)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return EndpointRecord{}, fmt.Errorf("%w: invalid port %q", ErrInvalidRecord, port)
	}
	if _, err := stun.NATTypeFromWireID(natType); err != nil {
		return EndpointRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	r := EndpointRecord{Port: uint16(p), NATType: natType}
	copy(r.IP[:], ip4)
	return r, nil
}

func (r EndpointRecord) MarshalBinary() ([]byte, error) {
	b := make([]byte, RecordSize)
	copy(b[0:4], r.IP[:])
	binary.BigEndian.PutUint16(b[4:6], r.Port)
	binary.BigEndian.PutUint16(b[6:8], r.NATType)
	return b, nil
}

func (r *EndpointRecord) UnmarshalBinary(b []byte) error {
	if len(b) != RecordSize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidRecord, len(b))
	}
	copy(r.IP[:], b[0:4])
	r.Port = binary.BigEndian.Uint16(b[4:6])
	r.NATType = binary.BigEndian.Uint16(b[6:8])
	return nil
}

func (r EndpointRecord) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(r.IP[0], r.IP[1], r.IP[2], r.IP[3]), Port: int(r.Port)}
}

func (r EndpointRecord) Type() (stun.NATType, error) {
	return stun.NATTypeFromWireID(r.NATType)
}

func (r EndpointRecord) String() string {
	t, err := r.Type()
	if err != nil {
		return fmt.Sprintf("%v (nat id %d)", r.Addr(), r.NATType)
	}
	return fmt.Sprintf("%v (%s)", r.Addr(), t)
}
