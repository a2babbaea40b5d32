// Package fsstore implements the filesystem PersistenceBackend: one markdown
// file per memory, named <id>.md, with the metadata in YAML frontmatter and
// the content as the body. Files are written atomically via rename.
package fsstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/model"
)

const name = "filesystem"

const ext = ".md"

var delimiter = []byte("---\n")

// frontmatter is the YAML header of a memory file.
type frontmatter struct {
	ID           string     `yaml:"id"`
	Namespace    string     `yaml:"namespace"`
	Domain       string     `yaml:"domain"`
	Tags         []string   `yaml:"tags,omitempty"`
	Source       string     `yaml:"source,omitempty"`
	Status       string     `yaml:"status"`
	CreatedAt    time.Time  `yaml:"created_at"`
	UpdatedAt    time.Time  `yaml:"updated_at"`
	TombstonedAt *time.Time `yaml:"tombstoned_at,omitempty"`
	Embedding    string     `yaml:"embedding,omitempty"`
}

// Store is the filesystem PersistenceBackend.
type Store struct {
	dir    string
	guard  *backend.Guard
	logger zerolog.Logger
}

var _ backend.PersistenceBackend = (*Store)(nil)

// Open uses dir as the memory directory, creating it if needed.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	logger = logger.With().Str("backend", name).Logger()
	return &Store{dir: dir, guard: backend.NewGuard(name, logger), logger: logger}, nil
}

func (s *Store) do(ctx context.Context, op string, fn func() error) error {
	err := s.guard.Do(op, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn()
	})
	return backend.Classify(op, name, err)
}

func (s *Store) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", backend.Validationf("invalid id %q for filesystem store", id)
	}
	return filepath.Join(s.dir, id+ext), nil
}

// Marshal renders a memory as a frontmatter document.
func Marshal(m *model.Memory) ([]byte, error) {
	fm := frontmatter{
		ID:           m.ID,
		Namespace:    string(m.Namespace),
		Domain:       string(m.Domain),
		Tags:         m.Tags,
		Source:       m.Source,
		Status:       string(m.Status),
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
		TombstonedAt: m.TombstonedAt,
	}
	if len(m.Embedding) > 0 {
		fm.Embedding = base64.StdEncoding.EncodeToString(model.EncodeEmbedding(m.Embedding))
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.Write(delimiter)
	buf.Write(head)
	buf.Write(delimiter)
	buf.WriteString(m.Content)
	return buf.Bytes(), nil
}

// Unmarshal parses a frontmatter document.
func Unmarshal(data []byte) (*model.Memory, error) {
	if !bytes.HasPrefix(data, delimiter) {
		return nil, fmt.Errorf("missing frontmatter")
	}
	rest := data[len(delimiter):]
	end := bytes.Index(rest, append([]byte("\n"), delimiter...))
	if end < 0 {
		return nil, fmt.Errorf("unterminated frontmatter")
	}
	var fm frontmatter
	if err := yaml.Unmarshal(rest[:end+1], &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	m := &model.Memory{
		ID:        fm.ID,
		Content:   string(rest[end+1+len(delimiter):]),
		Namespace: model.Namespace(fm.Namespace),
		Domain:    model.Domain(fm.Domain),
		Tags:      fm.Tags,
		Source:    fm.Source,
		Status:    model.Status(fm.Status),
		CreatedAt: fm.CreatedAt.UTC(),
		UpdatedAt: fm.UpdatedAt.UTC(),
	}
	if fm.TombstonedAt != nil {
		t := fm.TombstonedAt.UTC()
		m.TombstonedAt = &t
	}
	if fm.Embedding != "" {
		raw, err := base64.StdEncoding.DecodeString(fm.Embedding)
		if err != nil {
			return nil, fmt.Errorf("decode embedding: %w", err)
		}
		if m.Embedding, err = model.DecodeEmbedding(raw); err != nil {
			return nil, err
		}
	}
	if m.ID == "" || !model.ValidStatuses[m.Status] || !model.ValidNamespaces[m.Namespace] {
		return nil, fmt.Errorf("invalid frontmatter for %q", m.ID)
	}
	return m, nil
}

func (s *Store) Store(ctx context.Context, m *model.Memory) error {
	return s.StoreBatch(ctx, []*model.Memory{m})
}

// StoreBatch writes every file to a temp name first and renames them only
// once all writes succeeded, so a failed batch leaves no partial state.
func (s *Store) StoreBatch(ctx context.Context, ms []*model.Memory) error {
	if len(ms) == 0 {
		return nil
	}
	type pending struct{ tmp, dst string }
	var staged []pending
	cleanup := func() {
		for _, p := range staged {
			os.Remove(p.tmp)
		}
	}
	return s.do(ctx, "store", func() error {
		for _, m := range ms {
			dst, err := s.path(m.ID)
			if err != nil {
				cleanup()
				return err
			}
			data, err := Marshal(m)
			if err != nil {
				cleanup()
				return err
			}
			f, err := os.CreateTemp(s.dir, ".tmp-"+m.ID+"-*")
			if err != nil {
				cleanup()
				return fmt.Errorf("create temp file: %w", err)
			}
			staged = append(staged, pending{tmp: f.Name(), dst: dst})
			if _, err := f.Write(data); err != nil {
				f.Close()
				cleanup()
				return fmt.Errorf("write %s: %w", m.ID, err)
			}
			if err := f.Sync(); err != nil {
				f.Close()
				cleanup()
				return fmt.Errorf("sync %s: %w", m.ID, err)
			}
			if err := f.Close(); err != nil {
				cleanup()
				return fmt.Errorf("close %s: %w", m.ID, err)
			}
		}
		for _, p := range staged {
			if err := os.Rename(p.tmp, p.dst); err != nil {
				cleanup()
				return fmt.Errorf("rename: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) read(id string) (*model.Memory, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	m, err := Unmarshal(data)
	if err != nil {
		return nil, &backend.Error{Op: "read", Backend: name, Kind: backend.ErrCorruption, Err: fmt.Errorf("%s: %w", id, err)}
	}
	return m, nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.Memory, error) {
	var m *model.Memory
	err := s.do(ctx, "get", func() error {
		var err error
		m, err = s.read(id)
		return err
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, backend.NotFound(name, id)
	}
	if errors.Is(err, backend.ErrCorruption) {
		s.logger.Warn().Str("id", id).Err(err).Msg("corrupt memory file")
	}
	return m, err
}

func (s *Store) GetBatch(ctx context.Context, ids []string) (map[string]*model.Memory, error) {
	out := make(map[string]*model.Memory, len(ids))
	var corrupt []string
	err := s.do(ctx, "get_batch", func() error {
		for _, id := range ids {
			m, err := s.read(id)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				continue
			case errors.Is(err, backend.ErrCorruption):
				s.logger.Warn().Str("id", id).Err(err).Msg("skipping corrupt memory file")
				corrupt = append(corrupt, id)
				continue
			case err != nil:
				return err
			}
			out[id] = m
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(corrupt) > 0 {
		return out, &backend.CorruptionError{IDs: corrupt}
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	var existed bool
	err := s.do(ctx, "delete", func() error {
		p, err := s.path(id)
		if err != nil {
			return err
		}
		err = os.Remove(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		existed = err == nil
		return err
	})
	return existed, err
}

// scan reads every memory file that passes f.
func (s *Store) scan(f model.SearchFilter) ([]*model.Memory, []string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read dir: %w", err)
	}
	var (
		out     []*model.Memory
		corrupt []string
	)
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasSuffix(n, ext) || strings.HasPrefix(n, ".") {
			continue
		}
		id := strings.TrimSuffix(n, ext)
		m, err := s.read(id)
		if err != nil {
			if errors.Is(err, backend.ErrCorruption) {
				s.logger.Warn().Str("id", id).Err(err).Msg("skipping corrupt memory file")
				corrupt = append(corrupt, id)
				continue
			}
			return nil, nil, err
		}
		if f.Matches(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, corrupt, nil
}

func (s *Store) ListIDs(ctx context.Context, f model.SearchFilter) ([]string, error) {
	var (
		ids     []string
		corrupt []string
	)
	err := s.do(ctx, "list_ids", func() error {
		ms, c, err := s.scan(f)
		if err != nil {
			return err
		}
		corrupt = c
		for _, m := range ms {
			ids = append(ids, m.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(corrupt) > 0 {
		return ids, &backend.CorruptionError{IDs: corrupt}
	}
	return ids, nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := s.do(ctx, "exists", func() error {
		p, err := s.path(id)
		if err != nil {
			return err
		}
		_, err = os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		ok = err == nil
		return err
	})
	return ok, err
}

func (s *Store) Count(ctx context.Context, f model.SearchFilter) (int, error) {
	var n int
	err := s.do(ctx, "count", func() error {
		ms, _, err := s.scan(f)
		n = len(ms)
		return err
	})
	return n, err
}

func (s *Store) Close() error { return nil }
