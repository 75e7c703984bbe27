package database

import (
	"strconv"
	"sync"
	"time"
)

const (
	workerBits   = 10
	sequenceBits = 12
	maxSequence  = 1<<sequenceBits - 1
	timeShift    = workerBits + sequenceBits
)

// Snowflake generates time-ordered 63-bit IDs:
// [41 bits ms since epoch][10 bits worker][12 bits sequence]
type Snowflake struct {
	mu       sync.Mutex
	epoch    int64
	workerID int64
	lastMs   int64
	sequence int64
	now      func() int64
}

// NewSnowflake creates a generator. workerID is masked to 10 bits.
func NewSnowflake(epoch int64, workerID int64) *Snowflake {
	return &Snowflake{
		epoch:    epoch,
		workerID: workerID & (1<<workerBits - 1),
		now:      nowMillis,
	}
}

// NextID returns a strictly increasing ID. A clock that moves backwards
// keeps using the last seen millisecond.
func (s *Snowflake) NextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := s.now()
	if ms < s.lastMs {
		ms = s.lastMs
	}

	if ms == s.lastMs {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// Sequence exhausted for this millisecond
			for ms <= s.lastMs {
				time.Sleep(100 * time.Microsecond)
				ms = s.now()
			}
		}
	} else {
		s.sequence = 0
	}
	s.lastMs = ms

	return (ms-s.epoch)<<timeShift | s.workerID<<sequenceBits | s.sequence
}

// Timestamp extracts the Unix millisecond timestamp embedded in id.
func (s *Snowflake) Timestamp(id int64) int64 {
	return id>>timeShift + s.epoch
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// nowMillis is the clock every backend stamps with.
var nowMillis = func() int64 {
	return time.Now().UnixMilli()
}
