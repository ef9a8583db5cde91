// Package protocol decodes and classifies game payloads carried by the
// transport.
//
// Every payload starts with a 4-byte little-endian message type. Text
// messages carry a pipe-delimited UTF-8 body; game packets carry a fixed
// binary sub-header with an optional extended data block.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of the message type header.
const HeaderSize = 4

// MaxPayloadSize is the largest payload accepted from a peer.
const MaxPayloadSize = 512

// MessageType is the wire message type in the payload header.
type MessageType uint32

// Known message types.
const (
	MessageUnknown           MessageType = 0
	MessageServerHello       MessageType = 1
	MessageGenericText       MessageType = 2
	MessageGameMessage       MessageType = 3
	MessageGamePacket        MessageType = 4
	MessageError             MessageType = 5
	MessageTrack             MessageType = 6
	MessageClientLogRequest  MessageType = 7
	MessageClientLogResponse MessageType = 8
)

func (t MessageType) String() string {
	switch t {
	case MessageUnknown:
		return "unknown"
	case MessageServerHello:
		return "server_hello"
	case MessageGenericText:
		return "generic_text"
	case MessageGameMessage:
		return "game_message"
	case MessageGamePacket:
		return "game_packet"
	case MessageError:
		return "error"
	case MessageTrack:
		return "track"
	case MessageClientLogRequest:
		return "client_log_request"
	case MessageClientLogResponse:
		return "client_log_response"
	default:
		return fmt.Sprintf("message(%d)", uint32(t))
	}
}

// ErrProtocolViolation is the root of every payload validation failure.
// Violating payloads are dropped without a reply.
var ErrProtocolViolation = errors.New("protocol violation")

// ErrBadLength is returned for payloads outside [HeaderSize+1, MaxPayloadSize].
var ErrBadLength = fmt.Errorf("%w: bad length", ErrProtocolViolation)

// ErrMalformedGamePacket is returned for game packets whose sub-header or
// extended data does not fit the payload.
var ErrMalformedGamePacket = fmt.Errorf("%w: malformed game packet", ErrProtocolViolation)

// ValidLength reports whether n is an acceptable payload length.
func ValidLength(n int) bool {
	return n >= HeaderSize+1 && n <= MaxPayloadSize
}

// PeekType reads the message type of a payload.
//
// Precondition: len(data) >= HeaderSize.
func PeekType(data []byte) MessageType {
	return MessageType(binary.LittleEndian.Uint32(data[:HeaderSize]))
}
