// Package feeder carries the functional instruction stream into the timing
// model. A producer fills a Buffer with Handshakes, one per executed x86
// instruction, and the core consumes them through the oracle.
package feeder

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// MemAccess is one memory reference made by an instruction.
type MemAccess struct {
	Addr uint64 `json:"addr"`
	Size int    `json:"size"`
}

// Code holds raw instruction bytes. It encodes as a hex string.
type Code []byte

// MarshalJSON encodes the bytes as hex.
func (c Code) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(c))
}

// UnmarshalJSON decodes a hex string.
func (c *Code) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("code must be a hex string: %w", err)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("code must be a hex string: %w", err)
	}

	*c = b

	return nil
}

// Handshake describes one architecturally executed instruction.
type Handshake struct {
	PC uint64 `json:"pc"`
	// NPC is the PC of the next executed instruction.
	NPC uint64 `json:"npc"`
	// TPC is the taken target of a branch, or the fall-through otherwise.
	TPC   uint64 `json:"tpc"`
	Taken bool   `json:"taken,omitempty"`
	Code  Code   `json:"code"`

	Mem []MemAccess `json:"mem,omitempty"`

	// FirstInsn marks the first instruction of a thread.
	FirstInsn bool `json:"first,omitempty"`
	// KillThread marks the end of the stream.
	KillThread bool `json:"kill,omitempty"`
}

// Validate checks that the record is usable.
func (h *Handshake) Validate() error {
	if len(h.Code) == 0 {
		return fmt.Errorf("handshake at %#x has no instruction bytes", h.PC)
	}

	if len(h.Code) > 15 {
		return fmt.Errorf("handshake at %#x has %d instruction bytes", h.PC, len(h.Code))
	}

	return nil
}
