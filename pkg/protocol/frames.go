// Package protocol defines the JSON frames exchanged over the relay socket.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrMalformedFrame indicates the payload is not a JSON object of the expected shape.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrMissingRecipient indicates the frame has no recipient.
	ErrMissingRecipient = errors.New("frame missing recipient")
	// ErrMissingText indicates the frame has no text.
	ErrMissingText = errors.New("frame missing text")
)

// ID is a user or message identifier. On input it accepts a JSON string or
// number; it always encodes as a string.
type ID string

// UnmarshalJSON implements json.Unmarshaler
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("id must be an integer: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// InboundFrame is sent by a client to address a chat message
type InboundFrame struct {
	Recipient ID     `json:"recipient"`
	Text      string `json:"text"`
}

// ChatFrame is delivered to every connection of the recipient
type ChatFrame struct {
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	ID        string `json:"id"`
}

// OnlineUser is one entry of a presence frame
type OnlineUser struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// PresenceFrame lists every identity with at least one live connection
type PresenceFrame struct {
	Online []OnlineUser `json:"online"`
}

// HistoryMessage is a stored message as returned by the history endpoint
type HistoryMessage struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// DecodeInbound parses and validates a client frame. Validation failures wrap
// ErrMalformedFrame, ErrMissingRecipient or ErrMissingText.
func DecodeInbound(data []byte) (*InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Recipient == "" {
		return nil, ErrMissingRecipient
	}
	if f.Text == "" {
		return nil, ErrMissingText
	}
	return &f, nil
}

// EncodeChat marshals a chat frame
func EncodeChat(f ChatFrame) ([]byte, error) {
	return json.Marshal(f)
}

// EncodePresence marshals a presence frame. A nil list encodes as [].
func EncodePresence(online []OnlineUser) ([]byte, error) {
	if online == nil {
		online = []OnlineUser{}
	}
	return json.Marshal(PresenceFrame{Online: online})
}
