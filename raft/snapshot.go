package raft

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/shrtyk/raft-fsmcaller/api"
)

func (c *FSMCaller) doSnapshotSave(done api.SaveSnapshotClosure) {
	if done == nil {
		c.logger.Error("snapshot save requested without a closure")
		return
	}

	applied := c.LastAppliedID()
	ce := c.logManager.ConfigurationAt(applied.Index)
	if ce == nil || ce.IsEmpty() {
		c.logger.Error("empty configuration entry for last applied index", slog.Int64("index", applied.Index))
		done.Run(fmt.Errorf("%w: empty conf entry for lastAppliedIndex=%d", api.ErrInvalidArgument, applied.Index))
		return
	}

	meta := &api.SnapshotMeta{
		LastIncludedIndex: applied.Index,
		LastIncludedTerm:  applied.Term,
		CfgIndex:          ce.ID.Index,
		CfgTerm:           ce.ID.Term,
		Peers:             slices.Clone(ce.Conf.Peers),
		Learners:          slices.Clone(ce.Conf.Learners),
	}
	if ce.IsJoint() {
		meta.OldPeers = slices.Clone(ce.OldConf.Peers)
		meta.OldLearners = slices.Clone(ce.OldConf.Learners)
	}

	w := done.Start(meta)
	if w == nil {
		done.Run(fmt.Errorf("%w: snapshot storage failed to create a writer", api.ErrInvalidArgument))
		return
	}

	c.logger.Info("saving snapshot", slog.Int64("index", applied.Index), slog.Int64("term", applied.Term))
	c.fsm.OnSnapshotSave(w, done)
}

func (c *FSMCaller) doSnapshotLoad(done api.LoadSnapshotClosure) {
	if done == nil {
		c.logger.Error("snapshot load requested without a closure")
		return
	}

	r := done.Start()
	if r == nil {
		done.Run(fmt.Errorf("%w: open snapshot reader failed", api.ErrInvalidArgument))
		return
	}

	meta, err := r.Load()
	if err != nil || meta == nil {
		if err == nil {
			err = errors.New("no metadata")
		}
		done.Run(fmt.Errorf("%w: snapshot reader failed to load meta: %w", api.ErrInvalidArgument, err))
		if errors.Is(err, api.ErrSnapshotIO) {
			c.setError(api.NewRaftError(api.ErrorTypeSnapshot, fmt.Errorf("fail to load snapshot meta: %w", err)))
		}
		return
	}
	if err := meta.Validate(); err != nil {
		done.Run(err)
		return
	}

	applied := c.LastAppliedID()
	snap := meta.LastIncludedID()
	if snap.Compare(applied) <= 0 {
		done.Run(fmt.Errorf(
			"%w: loading a stale snapshot last_applied_index=%d last_applied_term=%d snapshot_index=%d snapshot_term=%d",
			api.ErrStale, applied.Index, applied.Term, snap.Index, snap.Term,
		))
		return
	}

	if err := c.fsm.OnSnapshotLoad(r); err != nil {
		done.Run(fmt.Errorf("%w: state machine failed to load snapshot: %w", api.ErrStateMachine, err))
		c.setError(api.NewRaftError(api.ErrorTypeStateMachine, fmt.Errorf("%w: OnSnapshotLoad failed: %w", api.ErrStateMachine, err)))
		return
	}

	if ce := meta.ConfigurationEntry(); ce != nil {
		c.fsm.OnRawConfigurationCommitted(ce, snap.Index, snap.Term)
		if !ce.IsJoint() {
			c.fsm.OnConfigurationCommitted(api.Configuration{Peers: slices.Clone(ce.Conf.Peers)})
		}
	}

	c.setApplied(snap)
	c.logger.Info("snapshot loaded", slog.Int64("index", snap.Index), slog.Int64("term", snap.Term))
	done.Run(nil)
}
