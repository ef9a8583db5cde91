package protocol

import "encoding/binary"

// ReLogonMessage is sent to a peer whose connection has no session.
const ReLogonMessage = "Server requested you to re-logon."

// EncodeHello returns the greeting sent as soon as a peer connects.
func EncodeHello() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf, uint32(MessageServerHello))
	return buf
}

// EncodeText returns a text payload of type typ: header, text, NUL.
func EncodeText(typ MessageType, text string) []byte {
	buf := make([]byte, HeaderSize+len(text)+1)
	binary.LittleEndian.PutUint32(buf, uint32(typ))
	copy(buf[HeaderSize:], text)
	return buf
}

// EncodeLog returns a console log message for the client.
func EncodeLog(msg string) []byte {
	return EncodeText(MessageGameMessage, "action|log\nmsg|"+msg)
}
