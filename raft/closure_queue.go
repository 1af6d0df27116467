package raft

import (
	"fmt"
	"log/slog"

	"github.com/shrtyk/raft-fsmcaller/api"
	"github.com/zhangyunhao116/skipmap"
)

// ClosureQueue keeps proposal callbacks ordered by log index until their
// entries are committed.
//
// Safe for concurrent use.
type ClosureQueue struct {
	logger  *slog.Logger
	pending *skipmap.FuncMap[int64, api.Closure]
}

var _ api.ClosureQueue = (*ClosureQueue)(nil)

func NewClosureQueue(log *slog.Logger) *ClosureQueue {
	return &ClosureQueue{
		logger: log,
		pending: skipmap.NewFunc[int64, api.Closure](func(a, b int64) bool {
			return a < b
		}),
	}
}

// Register stores c as the callback of the entry at index.
func (q *ClosureQueue) Register(index int64, c api.Closure) error {
	if c == nil {
		return fmt.Errorf("%w: nil closure for index %d", api.ErrInvalidArgument, index)
	}
	if _, loaded := q.pending.LoadOrStore(index, c); loaded {
		return fmt.Errorf("%w: closure already registered for index %d", api.ErrInvalidArgument, index)
	}
	return nil
}

func (q *ClosureQueue) PopClosureUntil(index int64) ([]api.Closure, int64) {
	var keys []int64
	q.pending.Range(func(k int64, _ api.Closure) bool {
		if k > index {
			return false
		}
		keys = append(keys, k)
		return true
	})
	if len(keys) == 0 {
		return nil, index + 1
	}

	first := keys[0]
	closures := make([]api.Closure, index-first+1)
	for _, k := range keys {
		if c, ok := q.pending.LoadAndDelete(k); ok {
			closures[k-first] = c
		}
	}
	return closures, first
}

// Clear fails every pending closure with err.
func (q *ClosureQueue) Clear(err error) {
	var keys []int64
	q.pending.Range(func(k int64, _ api.Closure) bool {
		keys = append(keys, k)
		return true
	})
	for _, k := range keys {
		if c, ok := q.pending.LoadAndDelete(k); ok {
			c.Run(err)
		}
	}
	if len(keys) > 0 {
		q.logger.Debug("cleared pending closures", slog.Int("count", len(keys)))
	}
}

func (q *ClosureQueue) Len() int {
	return q.pending.Len()
}
