package main

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks results across all bots
type Stats struct {
	acked          atomic.Int64
	failed         atomic.Int64
	totalAckNanos  atomic.Int64
	maxAckNanos    atomic.Int64
	connErrors     atomic.Int64
	connected      atomic.Int64
	received       atomic.Int64
	rejected       atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64

	mu         sync.Mutex
	rejections map[uint16]int
}

type statsSnapshot struct {
	acked      int64
	failed     int64
	connErrors int64
	avgAck     time.Duration
}

func (s *Stats) recordAck(latency time.Duration) {
	s.acked.Add(1)
	s.totalAckNanos.Add(int64(latency))
	for {
		cur := s.maxAckNanos.Load()
		if int64(latency) <= cur || s.maxAckNanos.CompareAndSwap(cur, int64(latency)) {
			return
		}
	}
}

func (s *Stats) recordRejection(code uint16) {
	s.failed.Add(1)
	s.rejected.Add(1)
	s.mu.Lock()
	if s.rejections == nil {
		s.rejections = make(map[uint16]int)
	}
	s.rejections[code]++
	s.mu.Unlock()
}

func (s *Stats) recordTimeout() {
	s.failed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordDisconnection(pending int) {
	s.failed.Add(int64(pending))
	s.disconnections.Add(1)
}

// recordTraffic adds one connection's wire totals.
func (s *Stats) recordTraffic(sent, received uint64) {
	s.bytesSent.Add(sent)
	s.bytesReceived.Add(received)
}

func (s *Stats) snapshot() statsSnapshot {
	snap := statsSnapshot{
		acked:      s.acked.Load(),
		failed:     s.failed.Load(),
		connErrors: s.connErrors.Load(),
	}
	if snap.acked > 0 {
		snap.avgAck = time.Duration(s.totalAckNanos.Load() / snap.acked)
	}
	return snap
}
