package models

import "github.com/tabcounter/tabcounter.go/pkg/constants"

// Message is the envelope shared by every frame exchanged with the relay.
// Count is only meaningful for set_tab_count.
type Message struct {
	Type  string `json:"type" cbor:"type"`
	Count *int   `json:"count,omitempty" cbor:"count,omitempty"`
}

// SetTabCount is the only message the agent sends.
type SetTabCount struct {
	Type  string `json:"type" cbor:"type"`
	Count int    `json:"count" cbor:"count"`
}

func NewSetTabCount(count int) SetTabCount {
	return SetTabCount{
		Type:  constants.MessageTypeSetTabCount,
		Count: count,
	}
}

// RequestTabCount asks the agent to push its current count.
type RequestTabCount struct {
	Type string `json:"type" cbor:"type"`
}

func NewRequestTabCount() RequestTabCount {
	return RequestTabCount{Type: constants.MessageTypeRequestTabCount}
}
