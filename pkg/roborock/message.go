package roborock

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

// ProtocolVersion is the three byte tag that starts every frame
type ProtocolVersion string

const ProtocolV1 ProtocolVersion = "1.0"

// MessageProtocol identifies the frame type
type MessageProtocol uint16

const (
	ProtocolHelloRequest  MessageProtocol = 0
	ProtocolHelloResponse MessageProtocol = 1
	ProtocolPingRequest   MessageProtocol = 2
	ProtocolPingResponse  MessageProtocol = 3
	ProtocolGeneralReq    MessageProtocol = 4
	ProtocolGeneralResp   MessageProtocol = 5
	ProtocolRPCRequest    MessageProtocol = 101
	ProtocolRPCResponse   MessageProtocol = 102
)

// version(3) seq(4) random(4) timestamp(4) protocol(2)
const headerLen = 3 + 4 + 4 + 4 + 2

// Message is a single decoded frame.  Payload is plaintext.
type Message struct {
	Version   ProtocolVersion
	Seq       uint32
	Random    uint32
	Timestamp uint32
	Protocol  MessageProtocol
	Payload   []byte
}

func nowTimestamp() uint32 {
	return uint32(time.Now().Unix())
}

func nextInt(min, max int) int {
	if max <= min {
		return min
	}
	return rand.Intn(max-min) + min
}

// encodeFrame serializes msg without the length prefix, as sent over MQTT
func encodeFrame(msg Message, localKey string) ([]byte, error) {
	if msg.Version == "" {
		msg.Version = ProtocolV1
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = nowTimestamp()
	}
	if msg.Seq == 0 {
		msg.Seq = uint32(nextInt(100000, 999999))
	}
	if msg.Random == 0 {
		msg.Random = uint32(nextInt(10000, 99999))
	}

	var payload []byte
	if len(msg.Payload) > 0 {
		enc, err := aesEcbEncrypt(msg.Payload, payloadKey(localKey, msg.Timestamp))
		if err != nil {
			return nil, errors.Wrap(err, "encrypting payload")
		}
		payload = enc
	}

	buf := &bytes.Buffer{}
	buf.WriteString(string(msg.Version))
	_ = binary.Write(buf, binary.BigEndian, msg.Seq)
	_ = binary.Write(buf, binary.BigEndian, msg.Random)
	_ = binary.Write(buf, binary.BigEndian, msg.Timestamp)
	_ = binary.Write(buf, binary.BigEndian, uint16(msg.Protocol))
	_ = binary.Write(buf, binary.BigEndian, uint16(len(payload)))
	buf.Write(payload)
	_ = binary.Write(buf, binary.BigEndian, crc32sum(buf.Bytes()))

	return buf.Bytes(), nil
}

// encodeMessage serializes msg with the 4 byte length prefix used on TCP
func encodeMessage(msg Message, localKey string) ([]byte, error) {
	frame, err := encodeFrame(msg, localKey)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 4, 4+len(frame))
	binary.BigEndian.PutUint32(out, uint32(len(frame)))
	return append(out, frame...), nil
}

func decodeFrame(frame []byte, localKey string) (Message, error) {
	if len(frame) < headerLen {
		return Message{}, fmt.Errorf("frame too short: %d bytes", len(frame))
	}

	msg := Message{
		Version:   ProtocolVersion(frame[:3]),
		Seq:       binary.BigEndian.Uint32(frame[3:7]),
		Random:    binary.BigEndian.Uint32(frame[7:11]),
		Timestamp: binary.BigEndian.Uint32(frame[11:15]),
		Protocol:  MessageProtocol(binary.BigEndian.Uint16(frame[15:17])),
	}
	if msg.Version != ProtocolV1 {
		return Message{}, fmt.Errorf("unsupported protocol version %q", msg.Version)
	}

	// Header-only frames, with or without a checksum
	if len(frame) == headerLen || len(frame) == headerLen+4 {
		return msg, nil
	}

	body := frame[:len(frame)-4]
	checksum := binary.BigEndian.Uint32(frame[len(frame)-4:])
	if checksum != 0 && crc32sum(body) != checksum {
		return Message{}, errors.New("checksum mismatch")
	}

	if len(body) < headerLen+2 {
		return msg, nil
	}
	payloadLen := int(binary.BigEndian.Uint16(body[headerLen : headerLen+2]))
	if headerLen+2+payloadLen > len(body) {
		return Message{}, fmt.Errorf("payload length %d exceeds frame", payloadLen)
	}
	if payloadLen == 0 {
		return msg, nil
	}

	payload, err := aesEcbDecrypt(body[headerLen+2:headerLen+2+payloadLen], payloadKey(localKey, msg.Timestamp))
	if err != nil {
		return Message{}, errors.Wrap(err, "decrypting payload")
	}
	msg.Payload = payload

	return msg, nil
}

// streamDecoder splits a TCP byte stream into length-prefixed frames
type streamDecoder struct {
	localKey string
	buffer   []byte
}

func newStreamDecoder(localKey string) *streamDecoder {
	return &streamDecoder{localKey: localKey}
}

func (d *streamDecoder) Feed(data []byte) ([]Message, error) {
	d.buffer = append(d.buffer, data...)

	var messages []Message
	for len(d.buffer) >= 4 {
		length := int(binary.BigEndian.Uint32(d.buffer[:4]))
		if length < headerLen {
			// resync on garbage
			d.buffer = d.buffer[1:]
			continue
		}
		if 4+length > len(d.buffer) {
			break
		}

		frame := d.buffer[4 : 4+length]
		d.buffer = d.buffer[4+length:]

		msg, err := decodeFrame(frame, d.localKey)
		if err != nil {
			return messages, err
		}
		messages = append(messages, msg)
	}

	return messages, nil
}
