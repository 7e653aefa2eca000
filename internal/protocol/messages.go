package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeFrame         MessageType = "frame"
	TypeDisplayClosed MessageType = "display_closed"
	TypeMarker        MessageType = "marker"
	TypeKeyEvent      MessageType = "key_event"
	TypeErrorEvent    MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// FrameCell is one colored word of a table item.
type FrameCell struct {
	Text  string `json:"text"`
	Color string `json:"color"`
}

type FrameItem struct {
	Kind  string        `json:"kind"`
	Slot  string        `json:"slot"`
	Text  string        `json:"text,omitempty"`
	Color string        `json:"color"`
	Table [][]FrameCell `json:"table,omitempty"`
}

// Frame replaces everything the viewer shows. An empty Items list is a
// blank screen.
type Frame struct {
	Type  MessageType `json:"type"`
	Seq   uint64      `json:"seq"`
	Items []FrameItem `json:"items"`
}

type DisplayClosed struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason,omitempty"`
}

type Marker struct {
	Type  MessageType `json:"type"`
	Seq   uint64      `json:"seq"`
	Code  int         `json:"code"`
	Label string      `json:"label"`
	TSUs  int64       `json:"ts_us"`
}

// KeyEvent is sent by display viewers. TSMs is the viewer's own clock and
// is only logged; latencies use the server arrival time.
type KeyEvent struct {
	Type   MessageType `json:"type"`
	Key    string      `json:"key"`
	Action string      `json:"action"`
	TSMs   int64       `json:"ts_ms,omitempty"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeKeyEvent:
		var msg KeyEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Key = strings.TrimSpace(msg.Key)
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		if msg.Action == "" {
			msg.Action = "press"
		}
		if msg.Key == "" || (msg.Action != "press" && msg.Action != "release") {
			return nil, errors.New("invalid key_event")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
