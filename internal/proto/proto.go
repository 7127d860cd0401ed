// Package proto holds the records written to the shared store and the
// relay wire format.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrBadEnvelope = errors.New("bad envelope")

// Envelope is the wire shape of a message as stored. Which optional
// fields are set decides the variant; consumers use Decode rather than
// inspecting fields.
type Envelope struct {
	From                string `json:"from"`
	Data                string `json:"data,omitempty"`
	Content             string `json:"content,omitempty"`
	Timestamp           int64  `json:"timestamp"`
	ID                  string `json:"id"`
	SenderEncryptionKey string `json:"senderEncryptionKey,omitempty"`
	ChainID             string `json:"chainId,omitempty"`
	GroupID             string `json:"groupId,omitempty"`
	Index               *int64 `json:"index,omitempty"`
}

type Kind int

const (
	KindDirect Kind = iota + 1
	KindGroup
	KindLegacy
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindGroup:
		return "group"
	case KindLegacy:
		return "legacy"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Header is common to every variant.
type Header struct {
	ID        string
	From      string
	Timestamp int64
}

// Message is one of *DirectEnvelope, *GroupEnvelope, *LegacyEnvelope.
type Message interface {
	Kind() Kind
	Head() Header
}

// DirectEnvelope is a pairwise message sealed under the sender/recipient
// secret. HasIndex is false for senders that do not number their chain.
type DirectEnvelope struct {
	Header
	Data      string
	ChainID   string
	Index     int64
	HasIndex  bool
	SenderKey string
}

type GroupEnvelope struct {
	Header
	GroupID string
	Data    string
}

// LegacyEnvelope carries its ciphertext in content and the sender's
// encryption key inline.
type LegacyEnvelope struct {
	Header
	Content   string
	SenderKey string
}

func (e *DirectEnvelope) Kind() Kind { return KindDirect }
func (e *GroupEnvelope) Kind() Kind  { return KindGroup }
func (e *LegacyEnvelope) Kind() Kind { return KindLegacy }

func (e *DirectEnvelope) Head() Header { return e.Header }
func (e *GroupEnvelope) Head() Header  { return e.Header }
func (e *LegacyEnvelope) Head() Header { return e.Header }

// Decode parses a stored envelope into its variant.
func Decode(b []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return FromEnvelope(env)
}

func FromEnvelope(env Envelope) (Message, error) {
	if env.From == "" || env.ID == "" {
		return nil, fmt.Errorf("%w: missing from or id", ErrBadEnvelope)
	}
	h := Header{ID: env.ID, From: env.From, Timestamp: env.Timestamp}
	switch {
	case env.GroupID != "":
		if env.Data == "" {
			return nil, fmt.Errorf("%w: group message without data", ErrBadEnvelope)
		}
		return &GroupEnvelope{Header: h, GroupID: env.GroupID, Data: env.Data}, nil
	case env.Data != "":
		d := &DirectEnvelope{Header: h, Data: env.Data, ChainID: env.ChainID, SenderKey: env.SenderEncryptionKey}
		if env.Index != nil {
			if *env.Index < 0 {
				return nil, fmt.Errorf("%w: negative index", ErrBadEnvelope)
			}
			d.Index, d.HasIndex = *env.Index, true
		}
		return d, nil
	case env.Content != "":
		if env.SenderEncryptionKey == "" {
			return nil, fmt.Errorf("%w: legacy message without sender key", ErrBadEnvelope)
		}
		return &LegacyEnvelope{Header: h, Content: env.Content, SenderKey: env.SenderEncryptionKey}, nil
	}
	return nil, fmt.Errorf("%w: no payload", ErrBadEnvelope)
}

// Encode is the inverse of Decode.
func Encode(m Message) ([]byte, error) {
	var env Envelope
	switch v := m.(type) {
	case *DirectEnvelope:
		env = Envelope{Data: v.Data, ChainID: v.ChainID, SenderEncryptionKey: v.SenderKey}
		if v.HasIndex {
			idx := v.Index
			env.Index = &idx
		}
	case *GroupEnvelope:
		env = Envelope{Data: v.Data, GroupID: v.GroupID}
	case *LegacyEnvelope:
		env = Envelope{Content: v.Content, SenderEncryptionKey: v.SenderKey}
	default:
		return nil, fmt.Errorf("%w: unknown message %T", ErrBadEnvelope, m)
	}
	h := m.Head()
	env.From, env.ID, env.Timestamp = h.From, h.ID, h.Timestamp
	return json.Marshal(env)
}
