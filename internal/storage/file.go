package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "tgrelay/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.pending.snapshot.json   (whole queue, rewritten via tmp+rename)
//   - <prefix>.pending.journal.jsonl   (appends since the last snapshot)
//   - <prefix>.<stream>.<YYYY-MM-DD>.jsonl (append-only audit, one file per day)
//
// ReplacePending compacts: it writes the snapshot and truncates the journal.
// Each snapshot bumps a generation that journal lines carry, so lines left
// behind by a crash between the rename and the truncate are skipped on replay.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	prefix       string
	snapshotPath string
	journal      *os.File
	gen          uint64

	audit map[AuditStream]*auditFile
}

type auditFile struct {
	bucket string
	f      *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./data/tgrelay"
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapshotPath := prefix + ".pending.snapshot.json"
	gen, _, err := loadPendingSnapshot(snapshotPath)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(prefix+".pending.journal.jsonl", os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		prefix:       prefix,
		snapshotPath: snapshotPath,
		journal:      jf,
		gen:          gen,
		audit:        map[AuditStream]*auditFile{},
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	if s.journal != nil {
		first = s.journal.Close()
		s.journal = nil
	}
	for k, af := range s.audit {
		if err := af.f.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.audit, k)
	}
	return first
}

func (s *fileStore) AppendPending(ctx context.Context, r PendingRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	b, err := json.Marshal(journalLine{Gen: s.gen, PendingRecord: r})
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.journal.Write(b); err != nil {
		return err
	}
	return s.journal.Sync()
}

func (s *fileStore) ReplacePending(ctx context.Context, rs []PendingRecord) error {
	_ = ctx
	if rs == nil {
		rs = []PendingRecord{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	gen := s.gen + 1
	if err := json.NewEncoder(f).Encode(snapshotFile{Generation: gen, Pending: rs}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	s.gen = gen
	// The snapshot now holds everything the journal had.
	if err := s.journal.Truncate(0); err != nil {
		return fmt.Errorf("truncate journal: %w", err)
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) LoadPending(ctx context.Context) ([]PendingRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}

	_, out, err := loadPendingSnapshot(s.snapshotPath)
	if err != nil {
		return nil, err
	}
	recs, skipped, err := replayPendingJournal(s.journal.Name(), s.gen)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		s.log.Warn("pending journal has unreadable lines", logx.Int("skipped", skipped))
	}
	return append(out, recs...), nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.Stream == "" {
		return errors.New("audit stream is required")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}

	bucket := e.Bucket()
	af := s.audit[e.Stream]
	if af == nil || af.bucket != bucket {
		if af != nil {
			_ = af.f.Close()
		}
		path := fmt.Sprintf("%s.%s.%s.jsonl", s.prefix, e.Stream, bucket)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			delete(s.audit, e.Stream)
			return err
		}
		af = &auditFile{bucket: bucket, f: f}
		s.audit[e.Stream] = af
	}
	_, err = af.f.Write(b)
	return err
}

type snapshotFile struct {
	Generation uint64          `json:"generation"`
	Pending    []PendingRecord `json:"pending"`
}

type journalLine struct {
	Gen uint64 `json:"journal_gen,omitempty"`
	PendingRecord
}

// loadPendingSnapshot also reads the bare array written before snapshots
// had a generation; it counts as generation 0.
func loadPendingSnapshot(path string) (uint64, []PendingRecord, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var rs []PendingRecord
		if err := json.Unmarshal(b, &rs); err != nil {
			return 0, nil, fmt.Errorf("pending snapshot %s: %w", filepath.Base(path), err)
		}
		return 0, rs, nil
	}
	var sf snapshotFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return 0, nil, fmt.Errorf("pending snapshot %s: %w", filepath.Base(path), err)
	}
	return sf.Generation, sf.Pending, nil
}

// replayPendingJournal returns the journal records of generation gen.
// Older lines are already part of the snapshot.
func replayPendingJournal(path string, gen uint64) ([]PendingRecord, int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		out     []PendingRecord
		skipped int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var l journalLine
		if err := json.Unmarshal(line, &l); err != nil {
			// Torn write from a crash; keep the rest.
			skipped++
			continue
		}
		if l.Gen < gen {
			continue
		}
		out = append(out, l.PendingRecord)
	}
	return out, skipped, sc.Err()
}
