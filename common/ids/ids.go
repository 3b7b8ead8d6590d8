package ids

import (
	"sync/atomic"
	"time"

	"github.com/sony/sonyflake/v2"
)

// Generator yields unique row identifiers.
type Generator interface {
	NextID() (int64, error)
}

var _ Generator = (*sonyflake.Sonyflake)(nil)

func New() (*sonyflake.Sonyflake, error) {
	return sonyflake.New(sonyflake.Settings{
		StartTime: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
}

// Sequence is a process-local counter for tests and single-process runs on the memory driver.
type Sequence struct {
	n atomic.Int64
}

func (s *Sequence) NextID() (int64, error) {
	return s.n.Add(1), nil
}
