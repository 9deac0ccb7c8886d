package lens

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrUnknownMsgType is returned when decoding a message whose type tag is not recognized.
var ErrUnknownMsgType = errors.New("unknown message type")

// AssembleTraceEvent combines the captured frames with the sentinel values into one event.
func AssembleTraceEvent(channel, logMsg string, frames []Frame) TraceEvent {
	if frames == nil {
		frames = []Frame{}
	}
	return TraceEvent{
		Channel: channel,
		LogMsg:  logMsg,
		Frames:  frames,
	}
}

// NewInitMsg wraps the handshake payload.
func NewInitMsg(cmd string) Msg {
	return Msg{Type: MsgTypeInit, Data: InitData{Cmd: cmd}}
}

// NewTraceEventMsg wraps a trace event.
func NewTraceEventMsg(ev TraceEvent) Msg {
	return Msg{Type: MsgTypeTraceEvent, Data: ev}
}

type rawMsg struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeMsg decodes a single encoded message. Data is decoded into InitData or TraceEvent
// according to the type tag.
func DecodeMsg(b []byte) (Msg, error) {
	var raw rawMsg
	if err := json.Unmarshal(b, &raw); err != nil {
		return Msg{}, err
	}
	return decodeRawMsg(raw)
}

func decodeRawMsg(raw rawMsg) (Msg, error) {
	switch raw.Type {
	case MsgTypeInit:
		var data InitData
		if err := unmarshalData(raw.Data, &data); err != nil {
			return Msg{}, fmt.Errorf("invalid %s data: %w", raw.Type, err)
		}
		return Msg{Type: raw.Type, Data: data}, nil
	case MsgTypeTraceEvent:
		var data TraceEvent
		if err := unmarshalData(raw.Data, &data); err != nil {
			return Msg{}, fmt.Errorf("invalid %s data: %w", raw.Type, err)
		}
		return Msg{Type: raw.Type, Data: data}, nil
	default:
		return Msg{}, fmt.Errorf("%w: %q", ErrUnknownMsgType, raw.Type)
	}
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("missing data")
	}
	return json.Unmarshal(data, v)
}

// MsgDecoder reads a stream of concatenated messages, as written by a Transport.
type MsgDecoder struct {
	dec *json.Decoder
}

// NewMsgDecoder returns a decoder reading from r.
func NewMsgDecoder(r io.Reader) *MsgDecoder {
	return &MsgDecoder{dec: json.NewDecoder(r)}
}

// Decode returns the next message, or io.EOF at the end of the stream.
func (d *MsgDecoder) Decode() (Msg, error) {
	var raw rawMsg
	if err := d.dec.Decode(&raw); err != nil {
		return Msg{}, err
	}
	return decodeRawMsg(raw)
}
