package database

import (
	"sync/atomic"
	"time"
)

// 2024-01-01T00:00:00Z in milliseconds
var snowflakeEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

const (
	workerIDBits   = 10
	sequenceBits   = 12
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = (1 << sequenceBits) - 1
	maxWorkerID    = (1 << workerIDBits) - 1
)

// Snowflake generates unique, strictly increasing 64-bit ids.
// Layout: 41 bits of milliseconds since epoch | 10 bits worker | 12 bits sequence.
type Snowflake struct {
	epoch    int64
	workerID int64
	state    atomic.Int64 // last timestamp << sequenceBits | sequence
}

// NewSnowflake creates a generator. Out of range worker ids fall back to 0.
func NewSnowflake(epoch int64, workerID int64) *Snowflake {
	if workerID < 0 || workerID > maxWorkerID {
		workerID = 0
	}
	return &Snowflake{epoch: epoch, workerID: workerID}
}

// NextID returns the next id without taking a lock.
func (s *Snowflake) NextID() int64 {
	for {
		old := s.state.Load()
		ts, seq := s.advance(old>>sequenceBits, old&sequenceMask)

		if s.state.CompareAndSwap(old, ts<<sequenceBits|seq) {
			return (ts-s.epoch)<<timestampShift | s.workerID<<workerIDShift | seq
		}
	}
}

// advance picks the (timestamp, sequence) pair following the last one. A clock
// that moved backwards keeps using the last timestamp so ids never decrease.
func (s *Snowflake) advance(lastTime, seq int64) (int64, int64) {
	now := time.Now().UnixMilli()
	if now > lastTime {
		return now, 0
	}

	seq = (seq + 1) & sequenceMask
	if seq != 0 {
		return lastTime, seq
	}

	// 4096 ids in one millisecond: spin until the clock passes lastTime
	for now <= lastTime {
		now = time.Now().UnixMilli()
	}
	return now, 0
}

// Time extracts the creation time encoded in an id.
func (s *Snowflake) Time(id int64) time.Time {
	return time.UnixMilli(id>>timestampShift + s.epoch)
}
