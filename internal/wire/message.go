package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/rabbitdl/rabbit/internal/bytecodec"
)

// MessageID identifies the post-handshake message types.
type MessageID uint8

const (
	MessageChoke         MessageID = 0
	MessageUnchoke       MessageID = 1
	MessageInterested    MessageID = 2
	MessageNotInterested MessageID = 3
	MessageHave          MessageID = 4
	MessageBitfield      MessageID = 5
	MessageRequest       MessageID = 6
	MessagePiece         MessageID = 7
	MessageCancel        MessageID = 8
	MessagePort          MessageID = 9
)

func (id MessageID) String() string {
	switch id {
	case MessageChoke:
		return "choke"
	case MessageUnchoke:
		return "unchoke"
	case MessageInterested:
		return "interested"
	case MessageNotInterested:
		return "not interested"
	case MessageHave:
		return "have"
	case MessageBitfield:
		return "bitfield"
	case MessageRequest:
		return "request"
	case MessagePiece:
		return "piece"
	case MessageCancel:
		return "cancel"
	case MessagePort:
		return "port"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// maxFrameLength rejects frames declaring a length larger than this many
// bytes, guarding against a hostile or corrupt peer forcing a huge
// allocation. 100000 comfortably covers a block-sized piece message
// (16 KiB payload + 9-byte header) with headroom.
const maxFrameLength = 100000

// Message is a decoded post-handshake wire frame. KeepAlive reports a
// zero-length frame; in that case ID and Payload are meaningless.
type Message struct {
	ID        MessageID
	Payload   []byte
	KeepAlive bool
}

// MarshalBinary encodes m into [length][id][payload].
func (m Message) MarshalBinary() []byte {
	if m.KeepAlive {
		return []byte{0, 0, 0, 0}
	}
	buf := make([]byte, 4+1+len(m.Payload))
	bytecodec.PutUint32(buf, uint32(1+len(m.Payload)))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// WriteMessage writes m to w.
func WriteMessage(w io.Writer, m Message) error {
	_, err := w.Write(m.MarshalBinary())
	return err
}

// ReadMessage reads one length-prefixed frame from r. A declared length
// of 0 yields a keep-alive message with no id.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := bytecodec.Uint32(lenBuf[:])
	if length == 0 {
		return Message{KeepAlive: true}, nil
	}
	if length > maxFrameLength {
		return Message{}, fmt.Errorf("wire: frame length %d exceeds limit %d", length, maxFrameLength)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}

	return Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}

var errPayloadSize = errors.New("wire: malformed payload size")

// ValidatePayloadSize rejects payloads whose length doesn't match the
// fixed size the message id requires, before the payload is interpreted.
func ValidatePayloadSize(m Message) error {
	switch m.ID {
	case MessageChoke, MessageUnchoke, MessageInterested, MessageNotInterested:
		if len(m.Payload) != 0 {
			return errPayloadSize
		}
	case MessageHave:
		if len(m.Payload) != 4 {
			return errPayloadSize
		}
	case MessageRequest, MessageCancel:
		if len(m.Payload) != 12 {
			return errPayloadSize
		}
	case MessagePiece:
		if len(m.Payload) < 8 {
			return errPayloadSize
		}
	case MessagePort:
		if len(m.Payload) != 2 {
			return errPayloadSize
		}
	}
	return nil
}

// NewHave, NewRequest, NewCancel, NewBitfield, and the zero-payload
// constructors build outbound Messages.

func NewChoke() Message         { return Message{ID: MessageChoke} }
func NewUnchoke() Message       { return Message{ID: MessageUnchoke} }
func NewInterested() Message    { return Message{ID: MessageInterested} }
func NewNotInterested() Message { return Message{ID: MessageNotInterested} }

func NewHave(pieceIndex uint32) Message {
	p := make([]byte, 4)
	bytecodec.PutUint32(p, pieceIndex)
	return Message{ID: MessageHave, Payload: p}
}

func NewBitfield(bits []byte) Message {
	return Message{ID: MessageBitfield, Payload: bits}
}

func NewRequest(index, begin, length uint32) Message {
	p := make([]byte, 12)
	bytecodec.PutUint32(p[0:4], index)
	bytecodec.PutUint32(p[4:8], begin)
	bytecodec.PutUint32(p[8:12], length)
	return Message{ID: MessageRequest, Payload: p}
}

func NewCancel(index, begin, length uint32) Message {
	m := NewRequest(index, begin, length)
	m.ID = MessageCancel
	return m
}

func NewPiece(index, begin uint32, data []byte) Message {
	p := make([]byte, 8+len(data))
	bytecodec.PutUint32(p[0:4], index)
	bytecodec.PutUint32(p[4:8], begin)
	copy(p[8:], data)
	return Message{ID: MessagePiece, Payload: p}
}

// ParseHave extracts the piece index from a have message's payload.
func ParseHave(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, errPayloadSize
	}
	return bytecodec.Uint32(payload), nil
}

// RequestFields holds the decoded fields of a request or cancel message.
type RequestFields struct {
	Index, Begin, Length uint32
}

// ParseRequest extracts index/begin/length from a request or cancel
// message's payload.
func ParseRequest(payload []byte) (RequestFields, error) {
	if len(payload) != 12 {
		return RequestFields{}, errPayloadSize
	}
	return RequestFields{
		Index:  bytecodec.Uint32(payload[0:4]),
		Begin:  bytecodec.Uint32(payload[4:8]),
		Length: bytecodec.Uint32(payload[8:12]),
	}, nil
}

// PieceFields holds the decoded fields of a piece message.
type PieceFields struct {
	Index, Begin uint32
	Data         []byte
}

// ParsePiece extracts index/begin/data from a piece message's payload.
func ParsePiece(payload []byte) (PieceFields, error) {
	if len(payload) < 8 {
		return PieceFields{}, errPayloadSize
	}
	return PieceFields{
		Index: bytecodec.Uint32(payload[0:4]),
		Begin: bytecodec.Uint32(payload[4:8]),
		Data:  payload[8:],
	}, nil
}
