// Package sidechannel implements the rendezvous side-channel: the text
// handshake clients use to find each other and the relay tag that carries
// traffic through the rendezvous server when NAT traversal cannot work.
//
// Handshake, over UDP:
//
//	client -> server  "<channel> <nat_type_id>"
//	server -> client  "ok <channel>"
//	client -> server  "ok"
//	server -> client  8-byte EndpointRecord of the partner, once paired
package sidechannel

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/lyc8503/holechat/stun"
)

const (
	// RelayTag prefixes payloads the rendezvous server should forward.
	RelayTag = "msg "
	// Confirm is the client's acknowledgement of the server's "ok <channel>".
	Confirm = "ok"
)

var (
	ErrBadAck           = errors.New("unable to request: unexpected acknowledgement from server")
	ErrMalformedRequest = errors.New("malformed handshake")
)

type Handshake struct {
	Channel string
	NATType uint16
}

func (h Handshake) String() string {
	return fmt.Sprintf("%s %d", h.Channel, h.NATType)
}

// ParseHandshake validates "<channel> <nat_type_id>".
func ParseHandshake(data []byte) (Handshake, error) {
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return Handshake{}, fmt.Errorf("%w: %q", ErrMalformedRequest, data)
	}
	id, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return Handshake{}, fmt.Errorf("%w: invalid NAT type %q", ErrMalformedRequest, fields[1])
	}
	if _, err := stun.NATTypeFromWireID(uint16(id)); err != nil {
		return Handshake{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return Handshake{Channel: fields[0], NATType: uint16(id)}, nil
}

func ValidChannel(channel string) error {
	if channel == "" {
		return errors.New("empty channel")
	}
	if strings.IndexFunc(channel, unicode.IsSpace) >= 0 {
		return fmt.Errorf("channel %q contains whitespace", channel)
	}
	return nil
}

// OKReply is the server's answer to a handshake on channel.
func OKReply(channel string) []byte {
	return []byte("ok " + channel)
}

func Tag(payload []byte) []byte {
	out := make([]byte, 0, len(RelayTag)+len(payload))
	out = append(out, RelayTag...)
	return append(out, payload...)
}

// Untag strips the relay tag. ok is false when payload is not tagged.
func Untag(payload []byte) (rest []byte, ok bool) {
	if !bytes.HasPrefix(payload, []byte(RelayTag)) {
		return payload, false
	}
	return payload[len(RelayTag):], true
}
