package session

import (
	"slices"

	"github.com/zsiec/broadcastsink/internal/base"
)

// SessionState is everything one sync attempt accumulates. It is owned by
// the state machine goroutine and cleared on every reset.
type SessionState struct {
	ID string

	Source    *Source
	Handle    SyncHandle
	HasSync   bool
	Scanning  bool
	Sink      bool
	BASE      *base.BASE
	Syncable  bool
	Request   base.SyncRequest
	Encrypted bool
	Code      BroadcastCode
	HasCode   bool
	Selected  uint32
	Synced    bool // SyncStreams issued
	Streaming bool
}

// Snapshot is the externally visible view of the machine.
type Snapshot struct {
	State       string   `json:"state"`
	SessionID   string   `json:"sessionId,omitempty"`
	Address     string   `json:"address,omitempty"`
	BroadcastID uint32   `json:"broadcastId,omitempty"`
	HasSync     bool     `json:"paSynced"`
	HasMetadata bool     `json:"hasMetadata"`
	Subgroups   int      `json:"subgroups,omitempty"`
	Encrypted   bool     `json:"encrypted"`
	HasCode     bool     `json:"hasCode"`
	Request     []uint32 `json:"request,omitempty"`
	Selected    uint32   `json:"selected"`
	Streaming   bool     `json:"streaming"`
}

func (s *SessionState) snapshot(state State) Snapshot {
	snap := Snapshot{
		State:       state.String(),
		SessionID:   s.ID,
		HasSync:     s.HasSync,
		HasMetadata: s.BASE != nil,
		Encrypted:   s.Encrypted,
		HasCode:     s.HasCode,
		Request:     slices.Clone(s.Request),
		Selected:    s.Selected,
		Streaming:   s.Streaming,
	}
	if s.Source != nil {
		snap.Address = s.Source.Address()
		snap.BroadcastID = s.Source.BroadcastID
	}
	if s.BASE != nil {
		snap.Subgroups = len(s.BASE.Subgroups)
	}
	return snap
}
