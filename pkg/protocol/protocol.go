// Package protocol defines the wire protocol spoken between browser clients
// and the gateway over WebSocket.
//
// All messages are JSON-encoded envelopes with a "type" field that determines
// how the rest of the envelope is interpreted. The set of envelope types and
// the set of channel names are both closed vocabularies: anything outside them
// is a client protocol error, never a reason to close the connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is the top-level wire format for all messages, in both directions.
// An envelope is immutable once parsed; handlers never mutate it.
type Envelope struct {
	Type         string          `json:"type"`
	Channel      string          `json:"channel,omitempty"`
	SessionToken string          `json:"session_token,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Envelope types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeWelcome     = "welcome"
	TypeError       = "error"
)

// Channel names. "guide" is the shared assistant channel; the pillar channels
// carry per-pillar traffic.
const (
	ChannelGuide      = "guide"
	ChannelContent    = "pillar:content"
	ChannelInsights   = "pillar:insights"
	ChannelOperations = "pillar:operations"
	ChannelExperience = "pillar:experience"
)

// Error codes carried in error envelopes.
const (
	CodeBadEnvelope     = "bad_envelope"
	CodeUnauthenticated = "unauthenticated"
	CodeUnknownChannel  = "unknown_channel"
	CodeNotSubscribed   = "not_subscribed"
)

// ErrUnknownChannel is returned for channel names outside the closed vocabulary.
var ErrUnknownChannel = errors.New("unknown channel")

// clientTypes is the set of envelope types clients may send.
var clientTypes = map[string]bool{
	TypeSubscribe:   true,
	TypeUnsubscribe: true,
	TypePublish:     true,
	TypePing:        true,
	TypePong:        true,
}

// channels lists the channel vocabulary in its canonical order.
var channels = []string{
	ChannelGuide,
	ChannelContent,
	ChannelInsights,
	ChannelOperations,
	ChannelExperience,
}

// Channels returns the closed channel vocabulary.
func Channels() []string {
	out := make([]string, len(channels))
	copy(out, channels)
	return out
}

// ValidChannel reports whether name is in the closed channel vocabulary.
func ValidChannel(name string) bool {
	for _, c := range channels {
		if c == name {
			return true
		}
	}
	return false
}

// ValidClientType reports whether t is an envelope type clients may send.
func ValidClientType(t string) bool {
	return clientTypes[t]
}

// Parse decodes a client envelope and rejects anything malformed or of a type
// clients are not allowed to send. Callers surface failures as bad_envelope.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if !ValidClientType(env.Type) {
		return nil, fmt.Errorf("unexpected envelope type %q", env.Type)
	}
	return &env, nil
}

// WelcomeContent is the content of a welcome envelope, sent after the
// connection is registered and as the ack for every subscribe.
type WelcomeContent struct {
	ConnectionID  string   `json:"connection_id"`
	Subscriptions []string `json:"subscriptions"`
}

// ErrorContent is the content of an error envelope.
type ErrorContent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewWelcome builds a welcome envelope for a connection.
func NewWelcome(connID string, subscriptions []string) Envelope {
	if subscriptions == nil {
		subscriptions = []string{}
	}
	content, _ := json.Marshal(WelcomeContent{
		ConnectionID:  connID,
		Subscriptions: subscriptions,
	})
	return Envelope{Type: TypeWelcome, Content: content, Timestamp: time.Now().UTC()}
}

// NewError builds an error envelope. The connection stays open; error
// envelopes report client protocol errors, not fatal conditions.
func NewError(channel, code, message string) Envelope {
	content, _ := json.Marshal(ErrorContent{Code: code, Message: message})
	return Envelope{Type: TypeError, Channel: channel, Content: content, Timestamp: time.Now().UTC()}
}

// NewPublish builds the server→client publish envelope for a fanned-out message.
func NewPublish(channel string, content json.RawMessage) Envelope {
	return Envelope{Type: TypePublish, Channel: channel, Content: content, Timestamp: time.Now().UTC()}
}

// NewPong builds the reply to a client ping.
func NewPong() Envelope {
	return Envelope{Type: TypePong, Timestamp: time.Now().UTC()}
}
