// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package envelope implements the JSON control-message envelope: the
// {type, device_id, device_name, platform, timestamp, payload} frame
// that carries handshakes, text messages, group coordination, and the
// legacy JSON file transfer path.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"
)

// Type identifies the shape of an envelope's payload.
type Type string

const (
	TypeHandshake       Type = "handshake"
	TypeMessage         Type = "message"
	TypeFileMeta        Type = "file_meta"
	TypeFileChunk       Type = "file_chunk"
	TypeGroupInvite     Type = "group_invite"
	TypeGroupJoin       Type = "group_join"
	TypeGroupJoinAck    Type = "group_join_ack"
	TypeGroupJoinReject Type = "group_join_reject"
	TypeGroupMaster     Type = "group_master"
	TypeGroupMessage    Type = "group_message"
)

// ErrMissingField is returned when a required envelope field is absent.
var ErrMissingField = errors.New("envelope: missing required field")

// ErrUnknownType is returned when decoding an envelope whose type has no
// known payload shape.
var ErrUnknownType = errors.New("envelope: unknown type")

// Payload is implemented by every typed payload shape. It exists only to
// give the Envelope.Payload field a narrow type instead of interface{}.
type Payload interface {
	isPayload()
}

// Envelope is every JSON frame exchanged between peers. On the wire it
// has a single "payload" object whose shape is determined by Type; in
// Go this is modeled as a tagged union (DESIGN NOTES §9) rather than an
// untyped map, via the Payload interface and custom (Un)MarshalJSON.
type Envelope struct {
	Type       Type
	DeviceID   string
	DeviceName string
	Platform   string
	Timestamp  int64
	Payload    Payload
}

type HandshakePayload struct{}

func (HandshakePayload) isPayload() {}

type MessagePayload struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

func (MessagePayload) isPayload() {}

// FileMetaPayload is the legacy JSON file-transfer path (see
// internal/binproto for the wire-efficient binary path).
type FileMetaPayload struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

func (FileMetaPayload) isPayload() {}

type FileChunkPayload struct {
	FileID     string `json:"file_id"`
	Data       string `json:"data"` // base64
	ChunkIndex *int   `json:"chunk_index,omitempty"`
}

func (FileChunkPayload) isPayload() {}

type GroupInvitePayload struct {
	GroupID   string `json:"group_id"`
	Name      string `json:"name"`
	MasterID  string `json:"master_id"`
	InviterID string `json:"inviter_id"`
}

func (GroupInvitePayload) isPayload() {}

type GroupJoinPayload struct {
	GroupID string `json:"group_id"`
	Name    string `json:"name"`
	FromID  string `json:"from_id"`
}

func (GroupJoinPayload) isPayload() {}

type GroupJoinAckPayload struct {
	GroupID  string   `json:"group_id"`
	Name     string   `json:"name"`
	Members  []string `json:"members"`
	MasterID string   `json:"master_id"`
	Epoch    int64    `json:"epoch"`
}

func (GroupJoinAckPayload) isPayload() {}

type GroupJoinRejectPayload struct {
	GroupID string `json:"group_id"`
	FromID  string `json:"from_id"`
}

func (GroupJoinRejectPayload) isPayload() {}

type GroupMasterPayload struct {
	GroupID  string   `json:"group_id"`
	Name     string   `json:"name"`
	Members  []string `json:"members"`
	MasterID string   `json:"master_id"`
	Epoch    int64    `json:"epoch"`
}

func (GroupMasterPayload) isPayload() {}

type GroupMessagePayload struct {
	GroupID   string `json:"group_id"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	FromID    string `json:"from_id"`
}

func (GroupMessagePayload) isPayload() {}

// wireEnvelope mirrors the on-the-wire JSON shape exactly.
type wireEnvelope struct {
	Type       Type            `json:"type"`
	DeviceID   string          `json:"device_id"`
	DeviceName string          `json:"device_name"`
	Platform   string          `json:"platform"`
	Timestamp  int64           `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON implements the single-"payload"-field wire shape.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		Type:       e.Type,
		DeviceID:   e.DeviceID,
		DeviceName: e.DeviceName,
		Platform:   e.Platform,
		Timestamp:  e.Timestamp,
	}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("envelope: encode payload: %w", err)
		}
		w.Payload = raw
	} else {
		w.Payload = json.RawMessage("{}")
	}
	return json.Marshal(w)
}

// UnmarshalJSON dispatches payload decoding by Type.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("envelope: decode: %w", err)
	}
	e.Type = w.Type
	e.DeviceID = w.DeviceID
	e.DeviceName = w.DeviceName
	e.Platform = w.Platform
	e.Timestamp = w.Timestamp

	if err := Validate(*e); err != nil {
		return err
	}

	payload, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	e.Payload = payload
	return nil
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	switch t {
	case TypeHandshake:
		return HandshakePayload{}, nil
	case TypeMessage:
		var p MessagePayload
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("envelope: decode message payload: %w", err)
			}
		}
		return p, nil
	case TypeFileMeta:
		var p FileMetaPayload
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("envelope: decode file_meta payload: %w", err)
			}
		}
		return p, nil
	case TypeFileChunk:
		var p FileChunkPayload
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("envelope: decode file_chunk payload: %w", err)
			}
		}
		return p, nil
	case TypeGroupInvite:
		var p GroupInvitePayload
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("envelope: decode group_invite payload: %w", err)
			}
		}
		return p, nil
	case TypeGroupJoin:
		var p GroupJoinPayload
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("envelope: decode group_join payload: %w", err)
			}
		}
		return p, nil
	case TypeGroupJoinAck:
		var p GroupJoinAckPayload
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("envelope: decode group_join_ack payload: %w", err)
			}
		}
		return p, nil
	case TypeGroupJoinReject:
		var p GroupJoinRejectPayload
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("envelope: decode group_join_reject payload: %w", err)
			}
		}
		return p, nil
	case TypeGroupMaster:
		var p GroupMasterPayload
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("envelope: decode group_master payload: %w", err)
			}
		}
		return p, nil
	case TypeGroupMessage:
		var p GroupMessagePayload
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("envelope: decode group_message payload: %w", err)
			}
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

// Marshal encodes e as compact, ASCII-safe JSON. encoding/json writes
// non-ASCII runes as raw UTF-8, so every rune at or above U+0080 is
// rewritten as a \uXXXX escape (a surrogate pair above U+FFFF), the same
// output as the original's json.dumps(..., ensure_ascii=True). Such runes
// only occur inside JSON strings, where the escape is equivalent.
func Marshal(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, r := range string(data) {
		switch {
		case r < utf8.RuneSelf:
			buf.WriteByte(byte(r))
		case r > 0xFFFF:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&buf, `\u%04x\u%04x`, hi, lo)
		default:
			fmt.Fprintf(&buf, `\u%04x`, r)
		}
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes and validates an envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Validate rejects envelopes missing type, device_id, or timestamp.
func Validate(e Envelope) error {
	if e.Type == "" {
		return fmt.Errorf("%w: type", ErrMissingField)
	}
	if e.DeviceID == "" {
		return fmt.Errorf("%w: device_id", ErrMissingField)
	}
	if e.Timestamp == 0 {
		return fmt.Errorf("%w: timestamp", ErrMissingField)
	}
	return nil
}
