// Package metrics counts router and transfer activity for the stats
// surface. Counters are lock-free; Snapshot is safe to call from any
// goroutine.
package metrics

import (
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt      time.Time `json:"generated_at"`
	Delivered        uint64    `json:"delivered"`
	Forwarded        uint64    `json:"forwarded"`
	DropDuplicate    uint64    `json:"drop_duplicate"`
	DropUnknownType  uint64    `json:"drop_unknown_type"`
	DropQueueFull    uint64    `json:"drop_queue_full"`
	ProtocolFailures uint64    `json:"protocol_failures"`
	FilesCompleted   uint64    `json:"files_completed"`
	FilesAborted     uint64    `json:"files_aborted"`
}

type Metrics struct {
	delivered        atomic.Uint64
	forwarded        atomic.Uint64
	dropDuplicate    atomic.Uint64
	dropUnknownType  atomic.Uint64
	dropQueueFull    atomic.Uint64
	protocolFailures atomic.Uint64
	filesCompleted   atomic.Uint64
	filesAborted     atomic.Uint64
}

func New() *Metrics { return &Metrics{} }

func (m *Metrics) IncDelivered()             { m.delivered.Add(1) }
func (m *Metrics) IncForwarded()             { m.forwarded.Add(1) }
func (m *Metrics) IncDropDuplicate()         { m.dropDuplicate.Add(1) }
func (m *Metrics) IncDropUnknownType()       { m.dropUnknownType.Add(1) }
func (m *Metrics) AddDropQueueFull(n uint64) { m.dropQueueFull.Add(n) }
func (m *Metrics) IncProtocolFailure()       { m.protocolFailures.Add(1) }
func (m *Metrics) IncFilesCompleted()        { m.filesCompleted.Add(1) }
func (m *Metrics) IncFilesAborted()          { m.filesAborted.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt:      time.Now().UTC(),
		Delivered:        m.delivered.Load(),
		Forwarded:        m.forwarded.Load(),
		DropDuplicate:    m.dropDuplicate.Load(),
		DropUnknownType:  m.dropUnknownType.Load(),
		DropQueueFull:    m.dropQueueFull.Load(),
		ProtocolFailures: m.protocolFailures.Load(),
		FilesCompleted:   m.filesCompleted.Load(),
		FilesAborted:     m.filesAborted.Load(),
	}
}
