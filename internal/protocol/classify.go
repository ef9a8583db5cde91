package protocol

import (
	"bytes"
	"fmt"
	"strings"
)

// Category groups message types by how they are dispatched.
type Category int

const (
	CategoryUnrecognized Category = iota
	CategoryGenericText
	CategoryGameMessage
	CategoryGameBinaryPacket
)

func (c Category) String() string {
	switch c {
	case CategoryGenericText:
		return "generic_text"
	case CategoryGameMessage:
		return "game_message"
	case CategoryGameBinaryPacket:
		return "game_binary_packet"
	default:
		return "unrecognized"
	}
}

// IsText reports whether payloads of c are dispatched by text key.
func (c Category) IsText() bool {
	return c == CategoryGenericText || c == CategoryGameMessage
}

var categories = map[MessageType]Category{
	MessageGenericText: CategoryGenericText,
	MessageGameMessage: CategoryGameMessage,
	MessageGamePacket:  CategoryGameBinaryPacket,
}

// ClassifiedPacket is a validated payload. Its fields never alias the
// transport buffer: text is copied into a string and game packets are
// decoded into a value.
type ClassifiedPacket struct {
	Type     MessageType
	Category Category
	Length   int

	// Text is set for text categories.
	Text *TextScanner
	// Game is set for CategoryGameBinaryPacket.
	Game *GameUpdatePacket
}

// Classify validates data and sorts it into a dispatch category.
//
// Unknown message types classify as CategoryUnrecognized without error.
//
// The length gate is ValidLength and alone decides acceptance for every
// type except MessageGamePacket, which must also hold a full
// GameUpdateHeaderSize sub-header: a 5 to 59 byte game packet passes the
// gate and is still rejected as malformed.
//
// Postcondition: Returns ErrBadLength unless HeaderSize+1 <= len(data) <= 512,
// ErrMalformedGamePacket for an undecodable game packet, or a ClassifiedPacket.
func Classify(data []byte) (ClassifiedPacket, error) {
	if !ValidLength(len(data)) {
		return ClassifiedPacket{}, fmt.Errorf("%w: %d bytes", ErrBadLength, len(data))
	}

	typ := PeekType(data)
	cp := ClassifiedPacket{
		Type:     typ,
		Category: categories[typ],
		Length:   len(data),
	}
	body := data[HeaderSize:]

	switch {
	case cp.Category.IsText():
		cp.Text = NewTextScanner(decodeText(body))
	case cp.Category == CategoryGameBinaryPacket:
		gp, err := DecodeGameUpdatePacket(body)
		if err != nil {
			return ClassifiedPacket{}, err
		}
		cp.Game = &gp
	}
	return cp, nil
}

// decodeText copies a text body, dropping trailing NULs and replacing
// invalid UTF-8.
func decodeText(body []byte) string {
	body = bytes.TrimRight(body, "\x00")
	return strings.ToValidUTF8(string(body), "�")
}
