package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatsSnapshot(t *testing.T) {
	var s Stats
	s.recordAck(10 * time.Millisecond)
	s.recordAck(30 * time.Millisecond)
	s.recordTimeout()
	s.recordRejection(3000)
	s.recordRejection(3000)

	snap := s.snapshot()
	assert.Equal(t, int64(2), snap.acked)
	assert.Equal(t, int64(3), snap.failed)
	assert.Equal(t, 20*time.Millisecond, snap.avgAck)
	assert.Equal(t, int64(30*time.Millisecond), s.maxAckNanos.Load())
	assert.Equal(t, "3000×2", s.rejectionSummary())
}

func TestStatsEmpty(t *testing.T) {
	var s Stats
	snap := s.snapshot()
	assert.Zero(t, snap.avgAck)
	assert.Empty(t, s.rejectionSummary())
}

func TestRejectionSummaryOrdered(t *testing.T) {
	var s Stats
	s.recordRejection(6001)
	s.recordRejection(3000)
	s.recordRejection(6001)
	assert.Equal(t, "3000×1 6001×2", s.rejectionSummary())
}

func TestStatsTraffic(t *testing.T) {
	var s Stats
	s.recordTraffic(100, 40)
	s.recordTraffic(20, 5)
	assert.Equal(t, uint64(120), s.bytesSent.Load())
	assert.Equal(t, uint64(45), s.bytesReceived.Load())
}
