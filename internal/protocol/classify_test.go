package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func payload(typ MessageType, n int) []byte {
	buf := make([]byte, n)
	if n >= HeaderSize {
		binary.LittleEndian.PutUint32(buf, uint32(typ))
	}
	return buf
}

func TestClassify_LengthBoundaries(t *testing.T) {
	cases := []struct {
		length int
		accept bool
	}{
		{0, false},
		{HeaderSize, false},
		{HeaderSize + 1, true},
		{MaxPayloadSize, true},
		{MaxPayloadSize + 1, false},
		{600, false},
	}
	for _, tc := range cases {
		_, err := Classify(payload(MessageGenericText, tc.length))
		if tc.accept {
			assert.NoError(t, err, "length %d", tc.length)
		} else {
			assert.ErrorIs(t, err, ErrBadLength, "length %d", tc.length)
			assert.ErrorIs(t, err, ErrProtocolViolation, "length %d", tc.length)
		}
	}
}

func TestPropertyClassifyAcceptsIffLengthInRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 2*MaxPayloadSize).Draw(t, "length")
		typ := MessageType(rapid.SampledFrom([]uint32{0, 1, 2, 3, 4, 5, 8, 99}).Draw(t, "type"))
		_, err := Classify(payload(typ, n))
		want := ValidLength(n)
		if typ == MessageGamePacket {
			want = want && n >= HeaderSize+GameUpdateHeaderSize
		}
		if want && err != nil {
			t.Fatalf("type %s length %d rejected: %v", typ, n, err)
		}
		if !want && err == nil {
			t.Fatalf("type %s length %d accepted", typ, n)
		}
	})
}

func TestClassify_ShortGamePacketPassesLengthGateButIsMalformed(t *testing.T) {
	for _, n := range []int{HeaderSize + 1, 32, HeaderSize + GameUpdateHeaderSize - 1} {
		require.True(t, ValidLength(n))
		_, err := Classify(payload(MessageGamePacket, n))
		assert.ErrorIs(t, err, ErrMalformedGamePacket, "length %d", n)
		assert.NotErrorIs(t, err, ErrBadLength, "length %d", n)
	}
	_, err := Classify(payload(MessageGamePacket, HeaderSize+GameUpdateHeaderSize))
	assert.NoError(t, err)
}

func TestClassify_TextCategories(t *testing.T) {
	for _, typ := range []MessageType{MessageGenericText, MessageGameMessage} {
		cp, err := Classify(EncodeText(typ, "action|text=Hello|"))
		require.NoError(t, err)
		assert.Equal(t, typ, cp.Type)
		assert.True(t, cp.Category.IsText())
		require.NotNil(t, cp.Text)
		assert.Equal(t, "action", cp.Text.Key())
		assert.Nil(t, cp.Game)
	}
}

func TestClassify_TextStripsTrailingNULsAndInvalidUTF8(t *testing.T) {
	data := append(payload(MessageGenericText, HeaderSize), []byte("key|\xffx\x00\x00")...)
	cp, err := Classify(data)
	require.NoError(t, err)
	assert.Equal(t, "key|�x", cp.Text.Raw())
}

func TestClassify_TextDoesNotAliasBuffer(t *testing.T) {
	data := EncodeText(MessageGenericText, "action|quit")
	cp, err := Classify(data)
	require.NoError(t, err)
	for i := range data {
		data[i] = 0
	}
	assert.Equal(t, "action|quit", cp.Text.Raw())
}

func TestClassify_Unrecognized(t *testing.T) {
	for _, typ := range []MessageType{MessageUnknown, MessageServerHello, MessageError, MessageTrack, 42} {
		cp, err := Classify(payload(typ, 16))
		require.NoError(t, err)
		assert.Equal(t, CategoryUnrecognized, cp.Category, "type %s", typ)
		assert.Nil(t, cp.Text)
		assert.Nil(t, cp.Game)
	}
}

func TestClassify_GamePacket(t *testing.T) {
	gp := GameUpdatePacket{Type: GamePacketPingReply, NetID: 7, IntX: -3, VecX: 1.5}
	cp, err := Classify(gp.Encode())
	require.NoError(t, err)
	assert.Equal(t, CategoryGameBinaryPacket, cp.Category)
	require.NotNil(t, cp.Game)
	assert.Equal(t, GamePacketPingReply, cp.Game.Type)
	assert.Equal(t, int32(7), cp.Game.NetID)
	assert.Equal(t, int32(-3), cp.Game.IntX)
	assert.Equal(t, float32(1.5), cp.Game.VecX)
}

func TestClassify_GamePacketTruncated(t *testing.T) {
	_, err := Classify(payload(MessageGamePacket, HeaderSize+GameUpdateHeaderSize-1))
	assert.ErrorIs(t, err, ErrMalformedGamePacket)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestClassify_GamePacketExtendedOverrun(t *testing.T) {
	gp := GameUpdatePacket{Type: GamePacketState, Flags: FlagExtended, Data: []byte{1, 2, 3}}
	data := gp.Encode()
	// Claim more extended bytes than the payload holds.
	binary.LittleEndian.PutUint32(data[HeaderSize+52:], 200)
	_, err := Classify(data)
	assert.ErrorIs(t, err, ErrMalformedGamePacket)
}

func TestMessageType_String(t *testing.T) {
	assert.Equal(t, "generic_text", MessageGenericText.String())
	assert.Equal(t, "game_packet", MessageGamePacket.String())
	assert.Equal(t, "message(42)", MessageType(42).String())
}
