package raft

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Log entry types.
const (
	EntryNoop    uint8 = iota // No-op entry appended on leadership change
	EntryCommand              // Replicated application command
)

// LogEntry represents a single entry in the Raft log.
type LogEntry struct {
	Index   uint64 // Log index (1-based)
	Term    uint64 // Term when entry was created
	Type    uint8  // Entry type (EntryNoop, EntryCommand)
	Command []byte // Serialized Command (empty for noop)
}

// Serialize encodes the log entry to bytes.
// Format: [Index:8][Term:8][Type:1][CommandLen:4][Command:N]
func (e *LogEntry) Serialize() []byte {
	size := 8 + 8 + 1 + 4 + len(e.Command)
	buf := make([]byte, size)

	binary.LittleEndian.PutUint64(buf[0:8], e.Index)
	binary.LittleEndian.PutUint64(buf[8:16], e.Term)
	buf[16] = e.Type
	binary.LittleEndian.PutUint32(buf[17:21], uint32(len(e.Command)))
	copy(buf[21:], e.Command)

	return buf
}

// DeserializeLogEntry decodes a log entry from bytes.
func DeserializeLogEntry(data []byte) (*LogEntry, error) {
	if len(data) < 21 {
		return nil, ErrLogCorrupted
	}

	cmdLen := binary.LittleEndian.Uint32(data[17:21])
	if len(data) < 21+int(cmdLen) {
		return nil, ErrLogCorrupted
	}

	return &LogEntry{
		Index:   binary.LittleEndian.Uint64(data[0:8]),
		Term:    binary.LittleEndian.Uint64(data[8:16]),
		Type:    data[16],
		Command: data[21 : 21+cmdLen],
	}, nil
}

// Command is the envelope for every replicated application command.
// The consensus layer treats Data as opaque; Kind routes the command to
// the right state machine handler and Aggregate names the entity the
// command targets (used for commit-stream filtering).
type Command struct {
	RequestID string // Client request ID, deduplicated at apply time
	Kind      uint8  // Application command namespace
	Aggregate string // Target aggregate/resource key
	Stamp     int64  // Leader clock (unix nanos) set at append time
	Data      []byte // Opaque application payload
}

// Serialize encodes the command to bytes.
func (c *Command) Serialize() ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(c.Kind)

	if err := binary.Write(&buf, binary.LittleEndian, c.Stamp); err != nil {
		return nil, err
	}
	if err := writeString(&buf, c.RequestID); err != nil {
		return nil, err
	}
	if err := writeString(&buf, c.Aggregate); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, c.Data); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DeserializeCommand decodes a command from bytes.
func DeserializeCommand(data []byte) (*Command, error) {
	if len(data) < 9 {
		return nil, ErrLogCorrupted
	}

	buf := bytes.NewReader(data)
	cmd := &Command{}

	var err error
	cmd.Kind, err = buf.ReadByte()
	if err != nil {
		return nil, ErrLogCorrupted
	}

	if err := binary.Read(buf, binary.LittleEndian, &cmd.Stamp); err != nil {
		return nil, ErrLogCorrupted
	}

	cmd.RequestID, err = readString(buf)
	if err != nil {
		return nil, ErrLogCorrupted
	}

	cmd.Aggregate, err = readString(buf)
	if err != nil {
		return nil, ErrLogCorrupted
	}

	cmd.Data, err = readBytes(buf)
	if err != nil {
		return nil, ErrLogCorrupted
	}

	return cmd, nil
}

// Serialization helpers shared across the package.

func writeString(w io.Writer, s string) error {
	data := []byte(s)
	if err := binary.Write(w, binary.LittleEndian, uint16(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readString(r io.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}

func writeBytes(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}
	if len(data) > 0 {
		_, err := w.Write(data)
		return err
	}
	return nil
}

func readBytes(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

const logFileName = "log.dat"

// RaftLog manages the Raft log entries. entries[0] is always a sentinel
// that marks the compaction boundary: its Index/Term are those of the
// last entry discarded by the most recent snapshot (0/0 for a fresh
// log). When a data directory is set, every append is written through
// to an append-only file and synced before returning.
type RaftLog struct {
	entries []*LogEntry
	dir     string
	file    *os.File
	mu      sync.RWMutex
}

// NewLog creates a new in-memory Raft log.
func NewLog() *RaftLog {
	return &RaftLog{
		entries: []*LogEntry{
			{Index: 0, Term: 0, Type: EntryNoop},
		},
	}
}

// OpenLog opens (or creates) a durable Raft log in dir and replays any
// persisted entries.
func OpenLog(dir string) (*RaftLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	l := &RaftLog{dir: dir}

	path := filepath.Join(dir, logFileName)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if err := l.replay(data); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	l.file = f

	// A fresh log must persist its sentinel so replay sees the same
	// compaction boundary after a restart.
	if len(data) == 0 {
		if err := l.writeFrame(f, l.entries[0]); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
	}

	return l, nil
}

// replay rebuilds the in-memory entry slice from the persisted frames.
// Frame format: [len:4][entry:len], first frame is the sentinel.
func (l *RaftLog) replay(data []byte) error {
	reader := bytes.NewReader(data)
	for {
		var frameLen uint32
		if err := binary.Read(reader, binary.LittleEndian, &frameLen); err != nil {
			if err == io.EOF {
				break
			}
			return ErrLogCorrupted
		}
		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(reader, frame); err != nil {
			return ErrLogCorrupted
		}
		entry, err := DeserializeLogEntry(frame)
		if err != nil {
			return err
		}
		l.entries = append(l.entries, entry)
	}

	if len(l.entries) == 0 {
		l.entries = []*LogEntry{{Index: 0, Term: 0, Type: EntryNoop}}
		return nil
	}
	return nil
}

// Append adds a new entry to the log and persists it. A persistence
// failure is returned to the caller, which must treat it as fatal.
func (l *RaftLog) Append(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)

	if l.file == nil {
		return nil
	}
	if err := l.writeFrame(l.file, entry); err != nil {
		return err
	}
	return l.file.Sync()
}

func (l *RaftLog) writeFrame(f *os.File, entry *LogEntry) error {
	frame := entry.Serialize()
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(frame)))
	if _, err := f.Write(header); err != nil {
		return err
	}
	_, err := f.Write(frame)
	return err
}

// Get returns the entry at the given index. Requesting an index at or
// below the compaction boundary (other than the boundary itself) or
// beyond the last entry is an error.
func (l *RaftLog) Get(index uint64) (*LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	base := l.entries[0].Index
	if index < base || index > l.lastIndexLocked() {
		return nil, ErrLogIndexOutOfRange
	}
	return l.entries[index-base], nil
}

// FirstIndex returns the compaction boundary: the index of the last
// entry covered by the latest snapshot (0 for an uncompacted log).
func (l *RaftLog) FirstIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[0].Index
}

// LastIndex returns the index of the last entry.
func (l *RaftLog) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndexLocked()
}

func (l *RaftLog) lastIndexLocked() uint64 {
	return l.entries[len(l.entries)-1].Index
}

// LastTerm returns the term of the last entry.
func (l *RaftLog) LastTerm() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Term
}

// TermAt returns the term of the entry at the given index, or 0 when
// the index is compacted away or beyond the end of the log.
func (l *RaftLog) TermAt(index uint64) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	base := l.entries[0].Index
	if index < base || index > l.lastIndexLocked() {
		return 0
	}
	return l.entries[index-base].Term
}

// GetFrom returns all entries from the given index onward. Returns nil
// when the range is empty or has been compacted away; the caller falls
// back to InstallSnapshot in the compacted case.
func (l *RaftLog) GetFrom(index uint64) []*LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	base := l.entries[0].Index
	if index <= base || index > l.lastIndexLocked() {
		return nil
	}

	src := l.entries[index-base:]
	out := make([]*LogEntry, len(src))
	copy(out, src)
	return out
}

// Len returns the number of live (non-compacted) entries in the log.
func (l *RaftLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries) - 1
}

// TruncateFrom removes all entries from the given index onward. Used
// when a follower detects a conflict with the leader's log.
func (l *RaftLog) TruncateFrom(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	base := l.entries[0].Index
	if index <= base || index > l.lastIndexLocked() {
		return nil
	}

	l.entries = l.entries[:index-base]
	return l.rewriteLocked()
}

// Compact discards all entries up to and including index, which becomes
// the new sentinel with the given term. Called after a snapshot has
// been durably saved.
func (l *RaftLog) Compact(index, term uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	base := l.entries[0].Index
	if index <= base {
		return nil
	}

	sentinel := &LogEntry{Index: index, Term: term, Type: EntryNoop}
	if index >= l.lastIndexLocked() {
		l.entries = []*LogEntry{sentinel}
	} else {
		rest := l.entries[index-base+1:]
		l.entries = append([]*LogEntry{sentinel}, rest...)
	}
	return l.rewriteLocked()
}

// rewriteLocked rewrites the whole log file from the in-memory slice.
// Must be called with the lock held.
func (l *RaftLog) rewriteLocked() error {
	if l.dir == "" {
		return nil
	}

	path := filepath.Join(l.dir, logFileName)
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	for _, entry := range l.entries {
		if err := l.writeFrame(f, entry); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	if l.file != nil {
		l.file.Close()
	}
	l.file, err = os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	return err
}

// Close closes the underlying log file.
func (l *RaftLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
