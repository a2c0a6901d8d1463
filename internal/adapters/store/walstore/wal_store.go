package walstore

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/driftlabs/driftsync/internal/domain"
	"github.com/driftlabs/driftsync/internal/ports"
)

const recordHeaderLen = 12

// Store is a file-backed mutation log: an append-only record file plus a
// committed watermark in a sidecar meta file. Entries not yet committed when
// the process died are replayed into the offline queue on the next start.
type Store struct {
	mu        sync.Mutex
	path      string
	metaPath  string
	file      *os.File
	writer    *bufio.Writer
	nextID    ports.EntryID
	committed ports.EntryID
	sizeBytes int64
}

// New opens (or creates) the mutation log under dir, truncating any partial
// trailing record left by a crash.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "mutations.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:     path,
		metaPath: filepath.Join(dir, "mutations.meta"),
		file:     f,
		writer:   bufio.NewWriterSize(f, 1<<18),
	}
	if err := s.bootstrap(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) bootstrap() error {
	if err := s.scanExisting(); err != nil {
		return err
	}
	if err := s.loadCommitted(); err != nil {
		return err
	}
	if s.nextID < s.committed {
		s.nextID = s.committed
	}
	_, err := s.file.Seek(0, io.SeekEnd)
	return err
}

func (s *Store) scanExisting() error {
	stat, err := os.Stat(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err != nil || stat.Size() == 0 {
		return nil
	}

	rf, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	reader := bufio.NewReader(rf)
	var (
		offset int64
		lastID ports.EntryID
	)

	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				if err := s.file.Truncate(offset); err != nil {
					return err
				}
				break
			}
			return fmt.Errorf("mutation log scan header: %w", err)
		}
		id := ports.EntryID(binary.BigEndian.Uint64(hdr[0:8]))
		length := binary.BigEndian.Uint32(hdr[8:12])
		offset += recordHeaderLen

		if length > 0 {
			if _, err := io.CopyN(io.Discard, reader, int64(length)); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					if err := s.file.Truncate(offset); err != nil {
						return err
					}
					break
				}
				return fmt.Errorf("mutation log scan body: %w", err)
			}
			offset += int64(length)
		}
		lastID = id
	}

	if err := s.file.Truncate(offset); err != nil {
		return err
	}
	s.sizeBytes = offset
	s.nextID = lastID
	return nil
}

func (s *Store) loadCommitted() error {
	data, err := os.ReadFile(s.metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("mutation log meta parse: %w", err)
	}
	s.committed = ports.EntryID(u)
	return nil
}

// Append writes one mutation record and flushes it so the entry survives a
// crash immediately after Enqueue returns.
func (s *Store) Append(m *domain.Mutation) (ports.EntryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID + 1

	b, err := json.Marshal(m)
	if err != nil {
		return 0, err
	}

	// record format: [8 bytes id][4 bytes len][len bytes json]
	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))

	if _, err := s.writer.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := s.writer.Write(b); err != nil {
		return 0, err
	}
	if err := s.writer.Flush(); err != nil {
		return 0, err
	}

	s.nextID = id
	s.sizeBytes += int64(len(b) + len(hdr))
	return id, nil
}

// Iterate replays records with id >= from in append order.
func (s *Store) Iterate(from ports.EntryID, fn func(id ports.EntryID, m *domain.Mutation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Flush(); err != nil {
		return err
	}

	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("mutation log iterate header: %w", err)
		}
		id := ports.EntryID(binary.BigEndian.Uint64(hdr[0:8]))
		l := binary.BigEndian.Uint32(hdr[8:12])

		b := make([]byte, l)
		if _, err := io.ReadFull(r, b); err != nil {
			return fmt.Errorf("corrupt mutation log: %w", err)
		}
		if id < from {
			continue
		}

		var m domain.Mutation
		if err := json.Unmarshal(b, &m); err != nil {
			return fmt.Errorf("corrupt mutation log entry: %w", err)
		}
		if err := fn(id, &m); err != nil {
			return err
		}
	}
}

// Commit advances the acknowledged watermark.
func (s *Store) Commit(upto ports.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upto > s.committed {
		s.committed = upto
	}
	return s.persistMetaLocked()
}

// Stats exposes log metadata for replay and observability.
func (s *Store) Stats() ports.LogStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ports.LogStats{
		OldestUncommitted: s.committed + 1,
		LatestAppended:    s.nextID,
		SizeBytes:         s.sizeBytes,
	}
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

func (s *Store) persistMetaLocked() error {
	data := []byte(fmt.Sprintf("%d\n", s.committed))
	return os.WriteFile(s.metaPath, data, 0o644)
}

var _ ports.MutationLog = (*Store)(nil)
