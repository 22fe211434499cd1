package raft

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Snapshot represents a point-in-time snapshot of the state machine.
type Snapshot struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Data              []byte
}

// SnapshotMeta contains snapshot metadata without the data.
type SnapshotMeta struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Size              int64
}

// SnapshotStore manages snapshot persistence. Each snapshot is written
// to its own file and snapshot.meta points at the latest complete one,
// so a crash mid-write never clobbers the previous snapshot.
type SnapshotStore struct {
	dir string
	mu  sync.RWMutex
}

// NewSnapshotStore creates a new snapshot store.
func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &SnapshotStore{dir: dir}, nil
}

func (s *SnapshotStore) snapshotFilename(index, term uint64) string {
	return filepath.Join(s.dir, "snapshot-"+itoa(index)+"-"+itoa(term)+".snap")
}

func (s *SnapshotStore) metaFilename() string {
	return filepath.Join(s.dir, "snapshot.meta")
}

// Save writes a snapshot to disk, points the metadata at it, and
// prunes older snapshot files.
func (s *SnapshotStore) Save(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filename := s.snapshotFilename(snap.LastIncludedIndex, snap.LastIncludedTerm)

	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	// Header: [index:8][term:8][dataLen:8]
	header := make([]byte, 24)
	binary.LittleEndian.PutUint64(header[0:8], snap.LastIncludedIndex)
	binary.LittleEndian.PutUint64(header[8:16], snap.LastIncludedTerm)
	binary.LittleEndian.PutUint64(header[16:24], uint64(len(snap.Data)))

	if _, err := f.Write(header); err != nil {
		return err
	}
	if _, err := f.Write(snap.Data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}

	if err := s.saveMeta(&SnapshotMeta{
		LastIncludedIndex: snap.LastIncludedIndex,
		LastIncludedTerm:  snap.LastIncludedTerm,
		Size:              int64(len(snap.Data)),
	}); err != nil {
		return err
	}

	s.pruneOld(filename)
	return nil
}

// pruneOld removes every snapshot file except the one just written.
// Failures are ignored; stale files only cost disk space.
func (s *SnapshotStore) pruneOld(keep string) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "snapshot-") || !strings.HasSuffix(name, ".snap") {
			continue
		}
		path := filepath.Join(s.dir, name)
		if path != keep {
			_ = os.Remove(path)
		}
	}
}

func (s *SnapshotStore) saveMeta(meta *SnapshotMeta) error {
	f, err := os.Create(s.metaFilename())
	if err != nil {
		return err
	}
	defer f.Close()

	data := make([]byte, 24)
	binary.LittleEndian.PutUint64(data[0:8], meta.LastIncludedIndex)
	binary.LittleEndian.PutUint64(data[8:16], meta.LastIncludedTerm)
	binary.LittleEndian.PutUint64(data[16:24], uint64(meta.Size))

	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// Load loads the latest snapshot from disk. Returns nil, nil when no
// snapshot exists.
func (s *SnapshotStore) Load() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, err := s.loadMeta()
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	filename := s.snapshotFilename(meta.LastIncludedIndex, meta.LastIncludedTerm)
	return s.loadFromFile(filename)
}

func (s *SnapshotStore) loadMeta() (*SnapshotMeta, error) {
	f, err := os.Open(s.metaFilename())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	data := make([]byte, 24)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, err
	}

	return &SnapshotMeta{
		LastIncludedIndex: binary.LittleEndian.Uint64(data[0:8]),
		LastIncludedTerm:  binary.LittleEndian.Uint64(data[8:16]),
		Size:              int64(binary.LittleEndian.Uint64(data[16:24])),
	}, nil
}

func (s *SnapshotStore) loadFromFile(filename string) (*Snapshot, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header := make([]byte, 24)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		LastIncludedIndex: binary.LittleEndian.Uint64(header[0:8]),
		LastIncludedTerm:  binary.LittleEndian.Uint64(header[8:16]),
	}

	dataLen := binary.LittleEndian.Uint64(header[16:24])
	snap.Data = make([]byte, dataLen)
	if _, err := io.ReadFull(f, snap.Data); err != nil {
		return nil, err
	}

	return snap, nil
}

// GetMeta returns the metadata of the latest snapshot.
func (s *SnapshotStore) GetMeta() (*SnapshotMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadMeta()
}

// itoa converts uint64 to string without fmt package.
func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
