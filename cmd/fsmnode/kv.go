package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shrtyk/raft-fsmcaller/api"
)

// kvStore is a key/value state machine. Commands are "key=value".
type kvStore struct {
	api.StateMachineAdapter

	mu     sync.RWMutex
	data   map[string]string
	logger *slog.Logger
}

func newKVStore(log *slog.Logger) *kvStore {
	return &kvStore{data: make(map[string]string), logger: log}
}

func (s *kvStore) OnApply(it api.Iterator) {
	for ; it.Valid(); it.Next() {
		key, value, ok := bytes.Cut(it.Data(), []byte("="))
		var err error
		if ok {
			s.mu.Lock()
			s.data[string(key)] = string(value)
			s.mu.Unlock()
		} else {
			err = fmt.Errorf("%w: malformed command at index %d", api.ErrInvalidArgument, it.Index())
		}
		if done := it.Done(); done != nil {
			done.Run(err)
		}
	}
}

func (s *kvStore) OnSnapshotSave(w api.SnapshotWriter, done api.Closure) {
	s.mu.RLock()
	err := json.NewEncoder(w).Encode(s.data)
	s.mu.RUnlock()
	done.Run(err)
}

func (s *kvStore) OnSnapshotLoad(r api.SnapshotReader) error {
	data := make(map[string]string)
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

func (s *kvStore) OnConfigurationCommitted(conf api.Configuration) {
	s.logger.Info("membership committed", slog.Any("peers", conf.Peers))
}

func (s *kvStore) OnError(err *api.RaftError) {
	s.logger.Error("state machine stopped by fault", slog.String("error", err.Error()))
}

func (s *kvStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}
