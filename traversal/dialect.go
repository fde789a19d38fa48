package traversal

import (
	"bytes"
	"fmt"
)

// EchoMarker prefixes payloads produced by EchoDialect.
const EchoMarker = "ECHOED: "

// Dialect decides what a chat payload from the peer turns into. deliver goes
// to the user (nil drops it); reply, when non-nil, is sent back to the peer
// through the session's current path.
type Dialect interface {
	Handle(payload []byte) (deliver, reply []byte)
}

// LineDialect hands every payload to the user untouched.
type LineDialect struct{}

func (LineDialect) Handle(payload []byte) (deliver, reply []byte) {
	return payload, nil
}

// EchoDialect delivers every payload and answers the ones that do not start
// with EchoMarker, so two echo peers never ping-pong.
type EchoDialect struct{}

func (EchoDialect) Handle(payload []byte) (deliver, reply []byte) {
	if bytes.HasPrefix(payload, []byte(EchoMarker)) {
		return payload, nil
	}
	reply = make([]byte, 0, len(EchoMarker)+len(payload))
	reply = append(reply, EchoMarker...)
	reply = append(reply, payload...)
	return payload, reply
}

func DialectByName(name string) (Dialect, error) {
	switch name {
	case "", "line":
		return LineDialect{}, nil
	case "echo":
		return EchoDialect{}, nil
	default:
		return nil, fmt.Errorf("unknown dialect %q", name)
	}
}
