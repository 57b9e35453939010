package domain

import (
	"encoding/json"
	"fmt"
)

// PhaseStatus is the orchestrator-owned per-phase state.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "PENDING"
	PhaseInProgress PhaseStatus = "IN_PROGRESS"
	PhaseDone       PhaseStatus = "DONE"
	PhaseFailed     PhaseStatus = "FAILED"
	PhasePartial    PhaseStatus = "PARTIAL"
)

// Orchestrator-owned cursor keys. Everything else in the bag is
// connector-private and treated as opaque JSON.
const (
	cursorKeyPhaseStatus = "phaseStatus"
	cursorKeyPhaseFmt    = "phase%d"
)

// SyncCursor is the opaque per-connection resume state: a schema-less
// string -> JSON bag. Connectors own arbitrary sub-keys under their phase
// entries; the orchestrator owns only phaseStatus and phase<N>.
type SyncCursor map[string]json.RawMessage

// NewSyncCursor returns an empty cursor bag.
func NewSyncCursor() SyncCursor {
	return make(SyncCursor)
}

// ParseSyncCursor decodes a cursor from its stored JSON form. A nil or empty
// payload yields an empty cursor.
func ParseSyncCursor(data []byte) (SyncCursor, error) {
	c := NewSyncCursor()
	if len(data) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse sync cursor: %w", err)
	}
	return c, nil
}

// Encode serializes the cursor for storage.
func (c SyncCursor) Encode() ([]byte, error) {
	if c == nil {
		c = NewSyncCursor()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode sync cursor: %w", err)
	}
	return data, nil
}

// PhaseStatuses returns the orchestrator-owned phase status map. Missing or
// malformed entries yield an empty map rather than an error: a cursor written
// by an older build must never block a sync.
func (c SyncCursor) PhaseStatuses() map[int]PhaseStatus {
	out := make(map[int]PhaseStatus)
	raw, ok := c[cursorKeyPhaseStatus]
	if !ok {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return make(map[int]PhaseStatus)
	}
	return out
}

// SetPhaseStatus records the status of one phase in the orchestrator-owned
// phaseStatus entry.
func (c SyncCursor) SetPhaseStatus(phase int, status PhaseStatus) {
	m := c.PhaseStatuses()
	m[phase] = status
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	c[cursorKeyPhaseStatus] = data
}

// PhaseCursor returns the connector-private cursor subtree for a phase, or
// nil when the phase has no saved state.
func (c SyncCursor) PhaseCursor(phase int) json.RawMessage {
	return c[fmt.Sprintf(cursorKeyPhaseFmt, phase)]
}

// SetPhaseCursor stores the connector-private cursor subtree for a phase.
func (c SyncCursor) SetPhaseCursor(phase int, data json.RawMessage) {
	key := fmt.Sprintf(cursorKeyPhaseFmt, phase)
	if len(data) == 0 {
		delete(c, key)
		return
	}
	c[key] = data
}

// ResetPhase drops only the given phase's cursor subtree and status. Used by
// fullSync: other phases keep their progress.
func (c SyncCursor) ResetPhase(phase int) {
	delete(c, fmt.Sprintf(cursorKeyPhaseFmt, phase))
	m := c.PhaseStatuses()
	delete(m, phase)
	if data, err := json.Marshal(m); err == nil {
		c[cursorKeyPhaseStatus] = data
	}
}

// Clone returns a deep copy of the cursor bag.
func (c SyncCursor) Clone() SyncCursor {
	out := NewSyncCursor()
	for k, v := range c {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}
