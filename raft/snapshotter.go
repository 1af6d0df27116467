package raft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shrtyk/raft-fsmcaller/api"
	"github.com/shrtyk/raft-fsmcaller/internal/cbreaker"
	"github.com/shrtyk/raft-fsmcaller/internal/retry"
	"github.com/shrtyk/raft-fsmcaller/pkg/logger"
)

type saveResult struct {
	id  api.LogID
	err error
}

// saveClosure streams a state machine snapshot into a new store version
// and compacts the log once the version is committed.
type saveClosure struct {
	store    api.SnapshotStore
	sink     api.SnapshotSink
	startErr error
	onCommit func(meta api.SnapshotMeta) error
	result   chan<- saveResult
}

func (c *saveClosure) Start(meta *api.SnapshotMeta) api.SnapshotWriter {
	sink, err := c.store.Create(meta)
	if err != nil {
		c.startErr = err
		return nil
	}
	c.sink = sink
	return sink
}

func (c *saveClosure) Run(err error) {
	if err != nil {
		if c.startErr != nil {
			err = errors.Join(err, c.startErr)
		}
		if c.sink != nil {
			err = errors.Join(err, c.sink.Abort())
		}
		c.result <- saveResult{err: err}
		return
	}
	if c.sink == nil {
		c.result <- saveResult{err: fmt.Errorf("%w: snapshot completed without a writer", api.ErrInvalidArgument)}
		return
	}

	if err := c.sink.Commit(); err != nil {
		c.result <- saveResult{err: err}
		return
	}
	meta := c.sink.Meta()
	c.result <- saveResult{id: meta.LastIncludedID(), err: c.onCommit(meta)}
}

// loadClosure hands an opened snapshot to the caller and closes it once
// the load is over.
type loadClosure struct {
	src    api.SnapshotSource
	result chan<- error
}

func newLoadClosure(src api.SnapshotSource, result chan<- error) *loadClosure {
	return &loadClosure{src: src, result: result}
}

func (c *loadClosure) Start() api.SnapshotReader {
	return c.src
}

func (c *loadClosure) Run(err error) {
	err = errors.Join(err, c.src.Close())
	if c.result != nil {
		c.result <- err
	}
}

// Snapshot saves the state machine at its current applied position and
// compacts the log up to it.
func (n *Node) Snapshot(ctx context.Context) (api.LogID, error) {
	if !n.snapshotting.CompareAndSwap(false, true) {
		return api.LogID{}, api.ErrSnapshotInProgress
	}

	result := make(chan saveResult, 1)
	c := &saveClosure{
		store:    n.snapshots,
		onCommit: n.compactTo,
		result:   result,
	}
	if !n.caller.OnSnapshotSave(c) {
		n.snapshotting.Store(false)
		return api.LogID{}, api.ErrShutdown
	}

	select {
	case <-ctx.Done():
		// The closure still runs later and releases the flag.
		go func() {
			<-result
			n.snapshotting.Store(false)
		}()
		return api.LogID{}, ctx.Err()
	case res := <-result:
		n.snapshotting.Store(false)
		if res.err != nil {
			return api.LogID{}, fmt.Errorf("snapshot failed: %w", res.err)
		}
		return res.id, nil
	}
}

func (n *Node) compactTo(meta api.SnapshotMeta) error {
	n.lastSnapshot.Store(meta.LastIncludedIndex)
	if meta.LastIncludedIndex <= 0 {
		return nil
	}
	if err := n.log.Compact(meta.LastIncludedIndex); err != nil {
		return fmt.Errorf("failed to compact log up to %d: %w", meta.LastIncludedIndex, err)
	}
	n.logger.Info(
		"log compacted after snapshot",
		slog.Int64("index", meta.LastIncludedIndex),
		slog.Int64("term", meta.LastIncludedTerm),
	)
	return nil
}

// InstallSnapshot loads the latest stored snapshot into the state machine.
// A snapshot that is not newer than the applied position fails with api.ErrStale.
func (n *Node) InstallSnapshot(ctx context.Context) error {
	src, err := n.snapshots.Open()
	if err != nil {
		return err
	}
	if src == nil {
		return api.ErrNoSnapshot
	}

	result := make(chan error, 1)
	if !n.caller.OnSnapshotLoad(newLoadClosure(src, result)) {
		return errors.Join(api.ErrShutdown, src.Close())
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-result:
		return err
	}
}

// snapshotter is a background goroutine
// that periodically takes a snapshot if anything was applied since the last one.
func (n *Node) snapshotter() {
	defer n.logger.Info("snapshotter exiting")

	ticker := time.NewTicker(n.cfg.Snapshots.Interval)
	defer ticker.Stop()

	n.logger.Info("snapshotter starting")
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.checkAndTakeSnapshot()
		}
	}
}

func (n *Node) checkAndTakeSnapshot() {
	applied := n.caller.LastAppliedIndex()
	if applied <= n.lastSnapshot.Load() {
		return
	}

	n.logger.Debug("applied index moved past last snapshot, taking snapshot", slog.Int64("applied", applied))
	err := retry.Do(
		n.ctx,
		func(ctx context.Context) error {
			_, err := cbreaker.Do(ctx, n.breaker, n.Snapshot)
			return err
		},
		retry.WithMaxAttempts(n.cfg.Snapshots.MaxAttempts),
		retry.WithBaseDelay(n.cfg.Snapshots.BaseDelay),
		retry.WithRetryIf(isRetryableSnapshotErr),
	)
	if err != nil {
		n.logger.Warn("failed to take snapshot", slog.String("breaker", n.breaker.State().String()), logger.ErrAttr(err))
	}
}

func isRetryableSnapshotErr(err error) bool {
	switch {
	case errors.Is(err, cbreaker.ErrOpenState),
		errors.Is(err, api.ErrShutdown),
		errors.Is(err, api.ErrBadStatus),
		errors.Is(err, api.ErrSnapshotInProgress),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
