package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shrtyk/raft-fsmcaller/api"
	"github.com/shrtyk/raft-fsmcaller/pkg/logger"
)

const (
	metadataFileName = "metadata.json"
	walFileName      = "log.wal"
	tmpSuffix        = ".tmp"
)

const entryHeaderSize = 8 // 4 bytes for length, 4 for CRC

//  ______________________________________________________________ ...
// |   Entry length (4 byte)   | CRC Hash (4 byte) |     Entry     ...
// |___________________________|___________________|______________ ...

var (
	crc32cTable = crc32.MakeTable(crc32.Castagnoli)

	ErrClosed         = errors.New("storage: closed")
	ErrNonContiguous  = errors.New("storage: entries are not contiguous with the log")
	ErrCompacted      = errors.New("storage: index is compacted")
	ErrIndexOutOfLog  = errors.New("storage: index is beyond the last entry")
	ErrUnknownOpType  = errors.New("storage: unknown op type")
	ErrCorruptedEntry = errors.New("storage: corrupted entry")
)

// confRecord is the JSON form of a configuration entry.
type confRecord struct {
	Index       int64        `json:"index"`
	Term        int64        `json:"term"`
	Peers       []api.PeerID `json:"peers"`
	Learners    []api.PeerID `json:"learners,omitempty"`
	OldPeers    []api.PeerID `json:"old_peers,omitempty"`
	OldLearners []api.PeerID `json:"old_learners,omitempty"`
}

func toConfRecord(ce *api.ConfigurationEntry) *confRecord {
	if ce == nil {
		return nil
	}
	return &confRecord{
		Index:       ce.ID.Index,
		Term:        ce.ID.Term,
		Peers:       ce.Conf.Peers,
		Learners:    ce.Conf.Learners,
		OldPeers:    ce.OldConf.Peers,
		OldLearners: ce.OldConf.Learners,
	}
}

func (r *confRecord) entry() *api.ConfigurationEntry {
	return &api.ConfigurationEntry{
		ID:      api.LogID{Index: r.Index, Term: r.Term},
		Conf:    api.Configuration{Peers: r.Peers, Learners: r.Learners},
		OldConf: api.Configuration{Peers: r.OldPeers, Learners: r.OldLearners},
	}
}

// walMetadata represents the data stored in metadata.json
type walMetadata struct {
	AppliedIndex   int64 `json:"applied_index"`
	AppliedTerm    int64 `json:"applied_term"`
	CompactedIndex int64 `json:"compacted_index"`
	CompactedTerm  int64 `json:"compacted_term"`
	// configuration active at CompactedIndex
	CompactedConf *confRecord `json:"compacted_conf,omitempty"`
}

type opType int

const (
	opAppendEntries opType = iota
	opSetApplied
	opCompact
)

// persistRequest is a request sent to the persister worker.
type persistRequest struct {
	op      opType
	entries []*api.LogEntry
	id      api.LogID
	errChan chan error
}

// WALStorage implements api.LogStore using a WAL file with a background
// worker batching appends before fsync. Entries are also kept in memory.
//
// Safe for concurrent use.
type WALStorage struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	dir      string
	fsyncCfg api.FsyncCfg

	metadataPath string
	walPath      string

	walFile  *os.File
	metadata walMetadata
	entries  []*api.LogEntry
	// configurations committed after the compaction point, ascending
	confs []*api.ConfigurationEntry

	// guards sends on opChan against Close
	sendMu       sync.RWMutex
	closed       bool
	opChan       chan *persistRequest
	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

var _ api.LogStore = (*WALStorage)(nil)

// NewWALStorage creates a new WALStorage and starts its background persister worker.
func NewWALStorage(dir string, log *slog.Logger, cfg api.FsyncCfg) (*WALStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Millisecond
	}

	ws := &WALStorage{
		logger:       log,
		dir:          dir,
		fsyncCfg:     cfg,
		metadataPath: filepath.Join(dir, metadataFileName),
		walPath:      filepath.Join(dir, walFileName),
		opChan:       make(chan *persistRequest, cfg.BatchSize*2),
		shutdownChan: make(chan struct{}),
	}

	if err := ws.load(); err != nil {
		return nil, fmt.Errorf("failed to load WAL data: %w", err)
	}

	walFile, err := os.OpenFile(ws.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file %s: %w", ws.walPath, err)
	}
	ws.walFile = walFile

	ws.wg.Go(ws.persister)
	return ws, nil
}

// Close gracefully shuts down the persister worker and closes the WAL file.
func (ws *WALStorage) Close() error {
	ws.sendMu.Lock()
	if ws.closed {
		ws.sendMu.Unlock()
		return nil
	}
	ws.closed = true
	close(ws.shutdownChan)
	ws.sendMu.Unlock()

	ws.wg.Wait()
	return ws.walFile.Close()
}

// submitRequest sends a request to the persister worker and waits for a response.
func (ws *WALStorage) submitRequest(req *persistRequest) error {
	req.errChan = make(chan error, 1)
	ws.sendMu.RLock()
	if ws.closed {
		ws.sendMu.RUnlock()
		return ErrClosed
	}
	ws.opChan <- req
	ws.sendMu.RUnlock()
	return <-req.errChan
}

// stopTimer safely stops a timer and drains its channel if the stop fails.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// persister is the background worker that batches and writes to disk.
func (ws *WALStorage) persister() {
	batch := make([]*persistRequest, 0, ws.fsyncCfg.BatchSize)
	timer := time.NewTimer(ws.fsyncCfg.Timeout)
	stopTimer(timer)

	for {
		select {
		case req := <-ws.opChan:
			if req.op == opAppendEntries {
				batch = append(batch, req)
				if len(batch) == 1 {
					timer.Reset(ws.fsyncCfg.Timeout)
				}
				if len(batch) >= ws.fsyncCfg.BatchSize {
					ws.flush(batch)
					batch = batch[:0]
					stopTimer(timer)
				}
			} else {
				// For non-append ops, flush any pending batch first.
				if len(batch) > 0 {
					ws.flush(batch)
					batch = batch[:0]
					stopTimer(timer)
				}
				ws.handleSyncOp(req)
			}
		case <-timer.C:
			if len(batch) > 0 {
				ws.flush(batch)
				batch = batch[:0]
			}
		case <-ws.shutdownChan:
			// Requests sent before Close are still answered.
			for {
				select {
				case req := <-ws.opChan:
					if req.op == opAppendEntries {
						batch = append(batch, req)
						continue
					}
					if len(batch) > 0 {
						ws.flush(batch)
						batch = batch[:0]
					}
					ws.handleSyncOp(req)
				default:
					if len(batch) > 0 {
						ws.flush(batch)
					}
					return
				}
			}
		}
	}
}

// handleSyncOp handles non-batchable operations.
func (ws *WALStorage) handleSyncOp(req *persistRequest) {
	var err error
	switch req.op {
	case opSetApplied:
		err = ws.setApplied(req.id)
	case opCompact:
		err = ws.compact(req.id.Index)
	default:
		err = fmt.Errorf("%w: %v", ErrUnknownOpType, req.op)
	}
	req.errChan <- err
}

// flush writes a batch of append requests to disk and fsyncs. A request
// that does not continue the log fails on its own.
func (ws *WALStorage) flush(batch []*persistRequest) {
	ws.mu.RLock()
	next := ws.lastLogIDLocked().Index + 1
	ws.mu.RUnlock()

	errs := make([]error, len(batch))
	var buf bytes.Buffer
	for i, req := range batch {
		if len(req.entries) == 0 {
			continue
		}
		if err := checkContiguous(next, req.entries); err != nil {
			errs[i] = err
			continue
		}
		for _, e := range req.entries {
			buf.Write(encodeEntry(e))
		}
		next += int64(len(req.entries))
	}

	var writeErr error
	if buf.Len() > 0 {
		if _, err := ws.walFile.Write(buf.Bytes()); err != nil {
			writeErr = fmt.Errorf("failed to write to WAL file: %w", err)
		} else if err := ws.walFile.Sync(); err != nil {
			writeErr = fmt.Errorf("failed to sync WAL file: %w", err)
		}
	}

	ws.mu.Lock()
	for i, req := range batch {
		if errs[i] != nil {
			continue
		}
		if writeErr != nil {
			errs[i] = writeErr
			continue
		}
		ws.appendLocked(req.entries)
	}
	ws.mu.Unlock()

	for i, req := range batch {
		req.errChan <- errs[i]
	}
}

func checkContiguous(next int64, entries []*api.LogEntry) error {
	for i, e := range entries {
		if e.ID.Index != next+int64(i) {
			return fmt.Errorf("%w: expected index %d, got %d", ErrNonContiguous, next+int64(i), e.ID.Index)
		}
	}
	return nil
}

// Assumes the lock is held when called
func (ws *WALStorage) appendLocked(entries []*api.LogEntry) {
	for _, e := range entries {
		ws.entries = append(ws.entries, e)
		if e.Type == api.EntryTypeConfiguration {
			ws.confs = append(ws.confs, api.NewConfigurationEntry(e))
		}
	}
}

// load reads metadata and the WAL from disk into memory.
func (ws *WALStorage) load() error {
	metaData, err := os.ReadFile(ws.metadataPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read metadata file: %w", err)
	}
	if len(metaData) > 0 {
		if err := json.Unmarshal(metaData, &ws.metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	entries, err := ws.readLog()
	if err != nil {
		return err
	}

	// A compaction may have rewritten the WAL without reaching metadata.json.
	for len(entries) > 0 && entries[0].ID.Index <= ws.metadata.CompactedIndex {
		entries = entries[1:]
	}
	if len(entries) > 0 && entries[0].ID.Index != ws.metadata.CompactedIndex+1 {
		ws.logger.Warn(
			"WAL starts after the recorded compaction point",
			slog.Int64("compacted_index", ws.metadata.CompactedIndex),
			slog.Int64("first_index", entries[0].ID.Index),
		)
		ws.metadata.CompactedIndex = entries[0].ID.Index - 1
		ws.metadata.CompactedTerm = 0
	}
	if err := checkContiguous(ws.metadata.CompactedIndex+1, entries); err != nil {
		return fmt.Errorf("invalid WAL: %w", err)
	}
	ws.appendLocked(entries)

	ws.logger.Info(
		"WAL loaded",
		slog.Int("entries", len(ws.entries)),
		slog.Int64("applied_index", ws.metadata.AppliedIndex),
		slog.Int64("compacted_index", ws.metadata.CompactedIndex),
	)
	return nil
}

// readLog decodes the WAL. A torn tail left by a crash is truncated so
// later appends start on a frame boundary.
func (ws *WALStorage) readLog() ([]*api.LogEntry, error) {
	f, err := os.Open(ws.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open WAL file for reading: %w", err)
	}
	defer f.Close()

	var (
		log   []*api.LogEntry
		valid int64
		torn  bool
	)
	reader := bufio.NewReader(f)
	for {
		entry, n, err := decodeEntrySized(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				torn = true
				break
			}
			return nil, fmt.Errorf("failed to decode WAL entry: %w", err)
		}
		valid += n
		log = append(log, entry)
	}

	if torn {
		ws.logger.Warn("truncating torn WAL tail", slog.Int64("valid_bytes", valid))
		if err := os.Truncate(ws.walPath, valid); err != nil {
			return nil, fmt.Errorf("failed to truncate WAL file: %w", err)
		}
	}
	return log, nil
}

func (ws *WALStorage) Append(entries ...*api.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return ws.submitRequest(&persistRequest{op: opAppendEntries, entries: entries})
}

func (ws *WALStorage) SetAppliedID(id api.LogID) error {
	return ws.submitRequest(&persistRequest{op: opSetApplied, id: id})
}

func (ws *WALStorage) Compact(index int64) error {
	return ws.submitRequest(&persistRequest{op: opCompact, id: api.LogID{Index: index}})
}

func (ws *WALStorage) setApplied(id api.LogID) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	newMeta := ws.metadata
	newMeta.AppliedIndex = id.Index
	newMeta.AppliedTerm = id.Term
	if err := ws.writeMetadata(newMeta); err != nil {
		return err
	}
	ws.metadata = newMeta
	return nil
}

// Assumes the lock is held when called
func (ws *WALStorage) writeMetadata(meta walMetadata) error {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := syncFile(ws.metadataPath, metaBytes, 0644); err != nil {
		return fmt.Errorf("failed to sync metadata file: %w", err)
	}
	return nil
}

// compact rewrites the WAL without the entries up to index.
func (ws *WALStorage) compact(index int64) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if index <= ws.metadata.CompactedIndex {
		return nil
	}
	last := ws.lastLogIDLocked()
	if index > last.Index {
		return fmt.Errorf("%w: compact index %d, last index %d", ErrIndexOutOfLog, index, last.Index)
	}

	cut := int(index - ws.metadata.CompactedIndex)
	kept := ws.entries[cut:]

	walBuf := new(bytes.Buffer)
	for _, e := range kept {
		walBuf.Write(encodeEntry(e))
	}

	newMeta := ws.metadata
	newMeta.CompactedIndex = index
	newMeta.CompactedTerm = ws.entries[cut-1].ID.Term
	newMeta.CompactedConf = toConfRecord(ws.configurationAtLocked(index))

	if err := ws.walFile.Close(); err != nil {
		ws.logger.Warn("failed to close WAL file before compaction", logger.ErrAttr(err))
	}
	if err := syncFile(ws.walPath, walBuf.Bytes(), 0644); err != nil {
		return errors.Join(fmt.Errorf("failed to sync WAL file for compaction: %w", err), ws.reopenWAL())
	}
	if err := ws.writeMetadata(newMeta); err != nil {
		return errors.Join(err, ws.reopenWAL())
	}
	if err := ws.reopenWAL(); err != nil {
		return err
	}

	ws.entries = append([]*api.LogEntry(nil), kept...)
	ws.metadata = newMeta
	i := sort.Search(len(ws.confs), func(i int) bool { return ws.confs[i].ID.Index > index })
	ws.confs = append([]*api.ConfigurationEntry(nil), ws.confs[i:]...)

	ws.logger.Info("WAL compacted", slog.Int64("index", index), slog.Int("kept", len(kept)))
	return nil
}

func (ws *WALStorage) reopenWAL() error {
	f, err := os.OpenFile(ws.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen WAL file: %w", err)
	}
	ws.walFile = f
	return nil
}

func (ws *WALStorage) Entry(index int64) (*api.LogEntry, error) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	if index <= ws.metadata.CompactedIndex {
		return nil, fmt.Errorf("%w: %w: index %d", api.ErrLogEntryNotFound, ErrCompacted, index)
	}
	i := index - ws.metadata.CompactedIndex - 1
	if i >= int64(len(ws.entries)) {
		return nil, fmt.Errorf("%w: %w: index %d", api.ErrLogEntryNotFound, ErrIndexOutOfLog, index)
	}
	return ws.entries[i], nil
}

func (ws *WALStorage) Term(index int64) int64 {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	if index == ws.metadata.CompactedIndex {
		return ws.metadata.CompactedTerm
	}
	if index < ws.metadata.CompactedIndex {
		return 0
	}
	i := index - ws.metadata.CompactedIndex - 1
	if i >= int64(len(ws.entries)) {
		return 0
	}
	return ws.entries[i].ID.Term
}

func (ws *WALStorage) ConfigurationAt(index int64) *api.ConfigurationEntry {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.configurationAtLocked(index)
}

// Assumes the lock is held when called
func (ws *WALStorage) configurationAtLocked(index int64) *api.ConfigurationEntry {
	i := sort.Search(len(ws.confs), func(i int) bool { return ws.confs[i].ID.Index > index })
	if i > 0 {
		return ws.confs[i-1]
	}
	if ws.metadata.CompactedConf != nil && ws.metadata.CompactedConf.Index <= index {
		return ws.metadata.CompactedConf.entry()
	}
	return nil
}

func (ws *WALStorage) LastLogID() api.LogID {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.lastLogIDLocked()
}

// Assumes the lock is held when called
func (ws *WALStorage) lastLogIDLocked() api.LogID {
	if n := len(ws.entries); n > 0 {
		return ws.entries[n-1].ID
	}
	return api.LogID{Index: ws.metadata.CompactedIndex, Term: ws.metadata.CompactedTerm}
}

func (ws *WALStorage) AppliedID() api.LogID {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return api.LogID{Index: ws.metadata.AppliedIndex, Term: ws.metadata.AppliedTerm}
}

func encodeEntry(entry *api.LogEntry) []byte {
	payload := marshalEntry(entry)
	header := make([]byte, entryHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], crc32.Checksum(payload, crc32cTable))
	return append(header, payload...)
}

func decodeEntry(r io.Reader) (*api.LogEntry, error) {
	entry, _, err := decodeEntrySized(r)
	return entry, err
}

// decodeEntrySized also returns the frame size in bytes.
func decodeEntrySized(r io.Reader) (*api.LogEntry, int64, error) {
	header := make([]byte, entryHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	crc := binary.BigEndian.Uint32(header[4:8])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}

	if actualCRC := crc32.Checksum(payload, crc32cTable); actualCRC != crc {
		return nil, 0, fmt.Errorf("%w: crc mismatch: expected %d, got %d", ErrCorruptedEntry, crc, actualCRC)
	}

	entry, err := unmarshalEntry(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal log entry: %w", err)
	}
	return entry, int64(entryHeaderSize) + int64(length), nil
}

func syncFile(path string, data []byte, perm os.FileMode) error {
	tempPath := path + tmpSuffix
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	f.Close()
	return os.Rename(tempPath, path)
}
