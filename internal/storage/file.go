package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "hookbeam/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.profile.json    (replaced atomically on every save)
//   - <prefix>.sessions.jsonl  (append-only JSON Lines)
//
// The sessions file is compacted to the newest MaxSessions records once it
// grows to twice that size.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	profilePath  string
	sessionsPath string
	sessionsFile *os.File
	sessionLines int
	maxSessions  int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	sessionsPath := prefix + ".sessions.jsonl"
	existing, _ := readSessionLines(sessionsPath)

	sf, err := os.OpenFile(sessionsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		profilePath:  prefix + ".profile.json",
		sessionsPath: sessionsPath,
		sessionsFile: sf,
		sessionLines: len(existing),
		maxSessions:  cfg.maxSessions(),
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionsFile == nil {
		return nil
	}
	err := s.sessionsFile.Close()
	s.sessionsFile = nil
	return err
}

func (s *fileStore) LoadProfile(ctx context.Context) (Profile, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.profilePath)
	if errors.Is(err, os.ErrNotExist) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, err
	}
	var p Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return Profile{}, false, err
	}
	return p, true, nil
}

func (s *fileStore) SaveProfile(ctx context.Context, p Profile) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionsFile == nil {
		return ErrClosed
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return writeAtomic(s.profilePath, b)
}

func (s *fileStore) ClearProfile(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.profilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) AppendSession(ctx context.Context, r SessionRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionsFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.sessionsFile).Encode(r); err != nil {
		return err
	}
	s.sessionLines++
	if s.sessionLines >= 2*s.maxSessions {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("sessions compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := readSessionLines(s.sessionsPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return newestFirst(all, limit), nil
}

func (s *fileStore) compactLocked() error {
	all, err := readSessionLines(s.sessionsPath)
	if err != nil {
		return err
	}
	if len(all) > s.maxSessions {
		all = all[len(all)-s.maxSessions:]
	}

	var b strings.Builder
	enc := json.NewEncoder(&b)
	for _, r := range all {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	if err := writeAtomic(s.sessionsPath, []byte(b.String())); err != nil {
		return err
	}

	// The old handle points at the replaced inode; reopen.
	_ = s.sessionsFile.Close()
	f, err := os.OpenFile(s.sessionsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		s.sessionsFile = nil
		return err
	}
	s.sessionsFile = f
	s.sessionLines = len(all)
	return nil
}

func writeAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readSessionLines(path string) ([]SessionRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []SessionRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r SessionRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.ID == "" {
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}

// newestFirst reverses the tail of an oldest-first slice.
func newestFirst(all []SessionRecord, limit int) []SessionRecord {
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]SessionRecord, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out
}
