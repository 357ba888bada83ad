package session

import (
	"fmt"

	"github.com/zsiec/broadcastsink/internal/base"
)

// State is a synchronization state machine state.
type State uint8

// States in forward order. Every failure edge leads back to StateReset.
const (
	StateReset State = iota
	StateWaitController
	StatePASync
	StateCreateSink
	StateWaitMetadata
	StateWaitSyncable
	StateWaitCode
	StateWaitSubstreamRequest
	StateSyncSubstreams
	StateWaitStreaming
	StateWaitTeardown
	StateWaitStopped
)

var stateNames = [...]string{
	StateReset:                "RESET",
	StateWaitController:       "WAIT_CONTROLLER",
	StatePASync:               "PA_SYNC",
	StateCreateSink:           "CREATE_SINK",
	StateWaitMetadata:         "WAIT_METADATA",
	StateWaitSyncable:         "WAIT_SYNCABLE",
	StateWaitCode:             "WAIT_CODE",
	StateWaitSubstreamRequest: "WAIT_SUBSTREAM_REQUEST",
	StateSyncSubstreams:       "SYNC_SUBSTREAMS",
	StateWaitStreaming:        "WAIT_STREAMING",
	StateWaitTeardown:         "WAIT_TEARDOWN",
	StateWaitStopped:          "WAIT_STOPPED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// EventKind identifies a transport or controller event.
type EventKind uint8

// Event kinds consumed by the state machine.
const (
	EventSourceFound EventKind = iota + 1
	EventPASynced
	EventPASyncLost
	EventPASyncTransfer
	EventBASE
	EventSyncable
	EventBroadcastCode
	EventSyncRequest
	EventStreamStarted
	EventStreamStopped
	EventError
	EventReset
)

var eventNames = map[EventKind]string{
	EventSourceFound:    "source_found",
	EventPASynced:       "pa_synced",
	EventPASyncLost:     "pa_sync_lost",
	EventPASyncTransfer: "pa_sync_transfer",
	EventBASE:           "base",
	EventSyncable:       "syncable",
	EventBroadcastCode:  "broadcast_code",
	EventSyncRequest:    "sync_request",
	EventStreamStarted:  "stream_started",
	EventStreamStopped:  "stream_stopped",
	EventError:          "error",
	EventReset:          "reset",
}

func (k EventKind) String() string {
	if n, ok := eventNames[k]; ok {
		return n
	}
	return fmt.Sprintf("event(%d)", k)
}

// Source identifies a broadcast source found by scanning.
type Source struct {
	Addr        [6]byte // little-endian, as reported by the controller
	AddrType    uint8
	SID         uint8
	BroadcastID uint32
}

// Address formats Addr the conventional way, most significant octet first.
func (s Source) Address() string {
	a := s.Addr
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[5], a[4], a[3], a[2], a[1], a[0])
}

// SyncHandle is the transport's periodic sync handle.
type SyncHandle uint16

// BroadcastCode is the 16-octet key of an encrypted broadcast.
type BroadcastCode [16]byte

// Event is one input to the state machine. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind      EventKind
	Source    Source           // SourceFound, PASyncTransfer
	Handle    SyncHandle       // PASynced, PASyncTransfer
	BASE      *base.BASE       // BASE
	Encrypted bool             // Syncable
	Code      BroadcastCode    // BroadcastCode
	Request   base.SyncRequest // SyncRequest
	Reason    uint8            // PASyncLost, StreamStopped
	Err       error            // Error
}
