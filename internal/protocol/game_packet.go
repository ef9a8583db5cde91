package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// GameUpdateHeaderSize is the fixed size of the game packet sub-header.
const GameUpdateHeaderSize = 56

// FlagExtended marks a game packet that carries DataSize extended bytes
// after the sub-header.
const FlagExtended uint32 = 0x8

// GamePacketType is the sub-header type code used as the binary event key.
type GamePacketType uint8

// Game packet types the core itself refers to.
const (
	GamePacketState      GamePacketType = 0
	GamePacketPingReply  GamePacketType = 21
	GamePacketDisconnect GamePacketType = 26
)

// GameUpdatePacket is the decoded binary sub-protocol message.
type GameUpdatePacket struct {
	Type             GamePacketType
	ObjectType       uint8
	JumpCount        uint8
	AnimationType    uint8
	NetID            int32
	TargetNetID      int32
	Flags            uint32
	FloatVar         float32
	Value            int32
	VecX             float32
	VecY             float32
	Vec2X            float32
	Vec2Y            float32
	ParticleRotation float32
	IntX             int32
	IntY             int32
	DataSize         uint32
	// Data is a copy of the extended block; nil unless FlagExtended is set.
	Data []byte
}

// Extended reports whether the packet carries an extended data block.
func (p GameUpdatePacket) Extended() bool {
	return p.Flags&FlagExtended != 0
}

// DecodeGameUpdatePacket decodes body, the bytes after the message header.
//
// Postcondition: Returns ErrMalformedGamePacket unless body holds the full
// sub-header and, for extended packets, DataSize bytes after it. The result
// never aliases body.
func DecodeGameUpdatePacket(body []byte) (GameUpdatePacket, error) {
	if len(body) < GameUpdateHeaderSize {
		return GameUpdatePacket{}, fmt.Errorf("%w: %d byte sub-header, need %d",
			ErrMalformedGamePacket, len(body), GameUpdateHeaderSize)
	}
	le := binary.LittleEndian
	f32 := func(off int) float32 { return math.Float32frombits(le.Uint32(body[off:])) }
	i32 := func(off int) int32 { return int32(le.Uint32(body[off:])) }

	p := GameUpdatePacket{
		Type:             GamePacketType(body[0]),
		ObjectType:       body[1],
		JumpCount:        body[2],
		AnimationType:    body[3],
		NetID:            i32(4),
		TargetNetID:      i32(8),
		Flags:            le.Uint32(body[12:]),
		FloatVar:         f32(16),
		Value:            i32(20),
		VecX:             f32(24),
		VecY:             f32(28),
		Vec2X:            f32(32),
		Vec2Y:            f32(36),
		ParticleRotation: f32(40),
		IntX:             i32(44),
		IntY:             i32(48),
		DataSize:         le.Uint32(body[52:]),
	}

	if p.Extended() {
		rest := body[GameUpdateHeaderSize:]
		if uint64(p.DataSize) > uint64(len(rest)) {
			return GameUpdatePacket{}, fmt.Errorf("%w: extended data %d bytes, %d available",
				ErrMalformedGamePacket, p.DataSize, len(rest))
		}
		p.Data = append([]byte(nil), rest[:p.DataSize]...)
	}
	return p, nil
}

// Encode serializes p as a complete GamePacket payload including the
// message header. DataSize is taken from len(Data) for extended packets.
func (p GameUpdatePacket) Encode() []byte {
	size := HeaderSize + GameUpdateHeaderSize
	if p.Extended() {
		size += len(p.Data)
	}
	buf := make([]byte, size)
	le := binary.LittleEndian
	le.PutUint32(buf, uint32(MessageGamePacket))

	b := buf[HeaderSize:]
	b[0] = byte(p.Type)
	b[1] = p.ObjectType
	b[2] = p.JumpCount
	b[3] = p.AnimationType
	le.PutUint32(b[4:], uint32(p.NetID))
	le.PutUint32(b[8:], uint32(p.TargetNetID))
	le.PutUint32(b[12:], p.Flags)
	le.PutUint32(b[16:], math.Float32bits(p.FloatVar))
	le.PutUint32(b[20:], uint32(p.Value))
	le.PutUint32(b[24:], math.Float32bits(p.VecX))
	le.PutUint32(b[28:], math.Float32bits(p.VecY))
	le.PutUint32(b[32:], math.Float32bits(p.Vec2X))
	le.PutUint32(b[36:], math.Float32bits(p.Vec2Y))
	le.PutUint32(b[40:], math.Float32bits(p.ParticleRotation))
	le.PutUint32(b[44:], uint32(p.IntX))
	le.PutUint32(b[48:], uint32(p.IntY))
	if p.Extended() {
		le.PutUint32(b[52:], uint32(len(p.Data)))
		copy(b[GameUpdateHeaderSize:], p.Data)
	} else {
		le.PutUint32(b[52:], p.DataSize)
	}
	return buf
}
