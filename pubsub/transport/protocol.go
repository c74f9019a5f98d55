// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/json"
	"fmt"
)

// FrameType enumerates the message kinds exchanged over the websocket.
type FrameType string

const (
	// Client to server RPC requests.
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePublish     FrameType = "publish"

	// Server RPC replies.
	FrameAck   FrameType = "ack"
	FrameError FrameType = "error"

	// Server to client push.
	FrameNotify FrameType = "notify"
)

// Frame is the single wire message for the pub/sub transport. RPC requests
// carry an ID the server echoes on the matching ack or error; notify frames
// carry no ID and expect no reply.
type Frame struct {
	Type FrameType `json:"type"`

	// ID correlates an RPC reply with its request.
	ID string `json:"id,omitempty"`

	// Topics carried by subscribe, unsubscribe and publish requests.
	Topics []string `json:"topics,omitempty"`

	// Topic of a notify push.
	Topic string `json:"topic,omitempty"`

	// Data payload of publish and notify frames.
	Data json.RawMessage `json:"data,omitempty"`

	// Error message on error replies.
	Error string `json:"error,omitempty"`
}

// Validate performs the structural checks applied to inbound frames before
// they are acted upon.
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameSubscribe, FrameUnsubscribe, FramePublish:
		if f.ID == "" {
			return fmt.Errorf("%s frame is missing an id", f.Type)
		}
		if f.Type != FrameUnsubscribe && len(f.Topics) == 0 {
			return fmt.Errorf("%s frame carries no topics", f.Type)
		}
	case FrameAck, FrameError:
		if f.ID == "" {
			return fmt.Errorf("%s frame is missing an id", f.Type)
		}
	case FrameNotify:
		if f.Topic == "" {
			return fmt.Errorf("notify frame is missing a topic")
		}
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}

// ackFrame and errorFrame build the two reply shapes.
func ackFrame(id string) Frame { return Frame{Type: FrameAck, ID: id} }

func errorFrame(id, msg string) Frame { return Frame{Type: FrameError, ID: id, Error: msg} }
