// Package protocol defines the JSON events exchanged on a voice conversation
// WebSocket.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Client events.
const (
	EventUserAudioChunk = "user-audio-chunk"
	EventJoin           = "join"
	EventEnd            = "end"
)

// Server events.
const (
	EventConnected         = "connected"
	EventAIAudioChunk      = "ai-audio-chunk"
	EventUserAudioResponse = "user-audio-response"
	EventJoined            = "joined"
	EventWarning           = "warning"
	EventError             = "error"
)

// Error and warning codes.
const (
	CodeBadRequest           = "bad_request"
	CodeUnsupported          = "unsupported"
	CodeUnauthorized         = "unauthorized"
	CodeNoConversation       = "no_conversation"
	CodeUpstreamError        = "upstream_error"
	CodeBackpressure         = "backpressure"
	CodeRateLimited          = "rate_limited"
	CodeSessionExpired       = "session_expired"
	CodeTooManyConversations = "too_many_conversations"
	CodeDraining             = "draining"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: CodeUnsupported, Message: message, Param: param}
}

type ClientAudioChunk struct {
	Event   string `json:"event"`
	DataB64 string `json:"data_b64"`
	// Audio holds the decoded bytes.
	Audio []byte `json:"-"`
}

type ClientJoin struct {
	Event string `json:"event"`
}

type ClientEnd struct {
	Event string `json:"event"`
}

// DecodeClientMessage parses one text frame into ClientAudioChunk, ClientJoin
// or ClientEnd.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	event := strings.TrimSpace(envelope.Event)
	if event == "" {
		return nil, badRequest("missing event", "event")
	}

	switch event {
	case EventUserAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid user-audio-chunk", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("user-audio-chunk.data_b64 is required", "data_b64")
		}
		audio, err := base64.StdEncoding.DecodeString(msg.DataB64)
		if err != nil {
			return nil, badRequest("user-audio-chunk.data_b64 is not valid base64", "data_b64")
		}
		msg.Event = event
		msg.Audio = audio
		return msg, nil
	case EventJoin:
		return ClientJoin{Event: event}, nil
	case EventEnd:
		return ClientEnd{Event: event}, nil
	default:
		return nil, unsupported("unsupported event", "event")
	}
}

// DecodeBinaryFrame treats a binary frame as a user-audio-chunk with raw
// bytes.
func DecodeBinaryFrame(data []byte) (ClientAudioChunk, error) {
	if len(data) == 0 {
		return ClientAudioChunk{}, badRequest("empty binary frame", "")
	}
	return ClientAudioChunk{Event: EventUserAudioChunk, Audio: append([]byte(nil), data...)}, nil
}

type ServerConnected struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversationId"`
}

// ServerAudioChunk is sent as ai-audio-chunk or user-audio-response.
type ServerAudioChunk struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversationId"`
	Seq            int64  `json:"seq"`
	DataB64        string `json:"data_b64"`
}

func NewAudioChunk(event, conversationID string, seq int64, audio []byte) ServerAudioChunk {
	return ServerAudioChunk{
		Event:          event,
		ConversationID: conversationID,
		Seq:            seq,
		DataB64:        base64.StdEncoding.EncodeToString(audio),
	}
}

type ServerJoined struct {
	Event  string `json:"event"`
	UserID int64  `json:"userId"`
}

type ServerWarning struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerError struct {
	Event   string `json:"event"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Close   bool   `json:"close,omitempty"`
}
