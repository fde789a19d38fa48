package stun

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/pion/stun"
)

// Legacy RFC 3489 framing: no magic cookie, a 128-bit transaction id and
// unpadded attributes. pion/stun only speaks RFC 5389 framing, so the header
// is handled here and pion supplies the attribute and message types.

const (
	HeaderSize        = 20
	TransactionIDSize = 16
	attrHeaderSize    = 4
	addressValueSize  = 8
)

// CHANGE-REQUEST flags.
const (
	ChangePort      uint32 = 0x00000002
	ChangeIPAndPort uint32 = 0x00000006
)

var (
	ErrShortMessage        = errors.New("message shorter than STUN header")
	ErrMalformedMessage    = errors.New("malformed STUN message")
	ErrUnexpectedType      = errors.New("not a binding response")
	ErrTransactionMismatch = errors.New("transaction id mismatch")
)

type TransactionID [TransactionIDSize]byte

func NewTransactionID() (TransactionID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return TransactionID{}, fmt.Errorf("generate transaction id: %w", err)
	}
	return TransactionID(u), nil
}

func (id TransactionID) String() string {
	return strings.ToUpper(hex.EncodeToString(id[:]))
}

type Message struct {
	Type          stun.MessageType
	TransactionID TransactionID
	Attributes    stun.Attributes
}

// NewBindingRequest builds a binding request with a fresh transaction id.
// A non-zero changeFlags adds a CHANGE-REQUEST attribute.
func NewBindingRequest(changeFlags uint32) (*Message, error) {
	id, err := NewTransactionID()
	if err != nil {
		return nil, err
	}
	m := &Message{Type: stun.BindingRequest, TransactionID: id}
	if changeFlags != 0 {
		v := make([]byte, 4)
		binary.BigEndian.PutUint32(v, changeFlags)
		m.Add(stun.AttrChangeRequest, v)
	}
	return m, nil
}

func (m *Message) Add(t stun.AttrType, v []byte) {
	m.Attributes = append(m.Attributes, stun.RawAttribute{
		Type:   t,
		Length: uint16(len(v)),
		Value:  v,
	})
}

// AddAddress appends an IPv4 address attribute (MAPPED-ADDRESS and friends).
func (m *Message) AddAddress(t stun.AttrType, ip net.IP, port int) error {
	ip4 := ip.To4()
	if ip4 == nil {
		return fmt.Errorf("%v is not an IPv4 address", ip)
	}
	scratch := stun.New()
	addr := &stun.MappedAddress{IP: ip4, Port: port}
	if err := addr.AddToAs(scratch, t); err != nil {
		return err
	}
	v, _ := scratch.Attributes.Get(t)
	m.Add(t, append([]byte(nil), v.Value...))
	return nil
}

func (m *Message) Encode() []byte {
	length := 0
	for _, a := range m.Attributes {
		length += attrHeaderSize + len(a.Value)
	}

	buf := make([]byte, HeaderSize+length)
	binary.BigEndian.PutUint16(buf[0:2], m.Type.Value())
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))
	copy(buf[4:HeaderSize], m.TransactionID[:])

	off := HeaderSize
	for _, a := range m.Attributes {
		binary.BigEndian.PutUint16(buf[off:off+2], a.Type.Value())
		binary.BigEndian.PutUint16(buf[off+2:off+4], uint16(len(a.Value)))
		copy(buf[off+attrHeaderSize:], a.Value)
		off += attrHeaderSize + len(a.Value)
	}
	return buf
}

func (m *Message) String() string {
	return fmt.Sprintf("%s id=%s attrs=%d", m.Type, m.TransactionID, len(m.Attributes))
}

// ParseMessage decodes a legacy STUN message. Attribute values alias buf.
func ParseMessage(buf []byte) (*Message, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(buf))
	}

	m := &Message{}
	m.Type.ReadValue(binary.BigEndian.Uint16(buf[0:2]))
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	copy(m.TransactionID[:], buf[4:HeaderSize])

	body := buf[HeaderSize:]
	if len(body) < length {
		return nil, fmt.Errorf("%w: body length %d exceeds %d available bytes", ErrMalformedMessage, length, len(body))
	}
	body = body[:length]

	for len(body) > 0 {
		if len(body) < attrHeaderSize {
			return nil, fmt.Errorf("%w: truncated attribute header", ErrMalformedMessage)
		}
		t := stun.AttrType(binary.BigEndian.Uint16(body[0:2]))
		l := int(binary.BigEndian.Uint16(body[2:4]))
		if len(body) < attrHeaderSize+l {
			return nil, fmt.Errorf("%w: attribute %v length %d runs past message", ErrMalformedMessage, t, l)
		}
		m.Add(t, body[attrHeaderSize:attrHeaderSize+l])
		body = body[attrHeaderSize+l:]
	}
	return m, nil
}

// Response is the outcome of one STUN probe.
type Response struct {
	Responded    bool
	ExternalIP   net.IP
	ExternalPort int
	SourceIP     net.IP
	SourcePort   int
	ChangedIP    net.IP
	ChangedPort  int
}

func (r Response) ExternalAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: r.ExternalIP, Port: r.ExternalPort}
}

func (r Response) ChangedAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: r.ChangedIP, Port: r.ChangedPort}
}

// SameMapping reports whether both responses saw the same external endpoint.
func (r Response) SameMapping(o Response) bool {
	return r.ExternalIP.Equal(o.ExternalIP) && r.ExternalPort == o.ExternalPort
}

// ParseResponse decodes a binding response to the request carrying id.
// On any error the returned Response has Responded == false.
func ParseResponse(buf []byte, id TransactionID) (Response, error) {
	m, err := ParseMessage(buf)
	if err != nil {
		return Response{}, err
	}
	if m.Type != stun.BindingSuccess {
		return Response{}, fmt.Errorf("%w: %s", ErrUnexpectedType, m.Type)
	}
	if m.TransactionID != id {
		return Response{}, fmt.Errorf("%w: got %s, want %s", ErrTransactionMismatch, m.TransactionID, id)
	}

	r := Response{Responded: true}
	for _, a := range m.Attributes {
		switch a.Type {
		case stun.AttrMappedAddress:
			r.ExternalIP, r.ExternalPort, err = decodeAddress(a)
		case stun.AttrSourceAddress:
			r.SourceIP, r.SourcePort, err = decodeAddress(a)
		case stun.AttrChangedAddress:
			r.ChangedIP, r.ChangedPort, err = decodeAddress(a)
		}
		if err != nil {
			return Response{}, err
		}
	}
	return r, nil
}

// decodeAddress reads an IPv4 address value. The family byte is ignored.
func decodeAddress(a stun.RawAttribute) (net.IP, int, error) {
	v := a.Value
	if len(v) < addressValueSize {
		return nil, 0, fmt.Errorf("%w: %v value is %d bytes", ErrMalformedMessage, a.Type, len(v))
	}
	port := int(binary.BigEndian.Uint16(v[2:4]))
	return net.IPv4(v[4], v[5], v[6], v[7]).To4(), port, nil
}
