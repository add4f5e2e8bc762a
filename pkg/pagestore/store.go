package pagestore

import (
	"bytes"
	"context"
	stdjson "encoding/json"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	jsoniter "github.com/json-iterator/go"
	"github.com/pixperk/pagelock/pkg/atomic"
	"github.com/pixperk/pagelock/pkg/lock"
	"github.com/pixperk/pagelock/pkg/metrics"
	"github.com/pixperk/pagelock/pkg/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const LockSuffix = ".lock"

// page path -> page content, content is kept as raw JSON
type Pages map[string]stdjson.RawMessage

// Store is a JSON file of pages shared between processes.
//
// Reads are unsynchronized and see the last completed write. Writes go
// through Update, which holds the store lock for the whole
// read-modify-write cycle and replaces the file atomically.
type Store struct {
	path     string
	lockName string
	locks    *lock.Manager
	perm     os.FileMode
	log      logrus.FieldLogger

	mu    sync.RWMutex
	cache *snapshot
}

type snapshot struct {
	pages   Pages
	modTime time.Time
	size    int64
}

type Option func(*Store)

// uses a lock marker other than <path>.lock
func WithLockName(name string) Option {
	return func(s *Store) { s.lockName = name }
}

func WithFileMode(perm os.FileMode) Option {
	return func(s *Store) { s.perm = perm }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) { s.log = log }
}

func New(path string, locks *lock.Manager, opts ...Option) *Store {
	s := &Store{
		path:     path,
		lockName: path + LockSuffix,
		locks:    locks,
		perm:     0o644,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("store", path)
	return s
}

func (s *Store) Path() string {
	return s.path
}

// marker guarding writes to the store
func (s *Store) LockName() string {
	return s.lockName
}

// Load returns all pages. A missing store file is an empty store.
// The returned map is a copy and may be modified by the caller.
func (s *Store) Load(ctx context.Context) (Pages, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.setCache(nil)
			return Pages{}, nil
		}
		return nil, errors.Wrap(err, "stat page store")
	}

	s.mu.RLock()
	cached := s.cache
	s.mu.RUnlock()
	if cached != nil && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		metrics.PageStoreReadsTotal.WithLabelValues("cache").Inc()
		return cached.pages.clone(), nil
	}

	pages, err := s.read()
	if err != nil {
		return nil, err
	}
	s.setCache(&snapshot{pages: pages, modTime: info.ModTime(), size: info.Size()})
	return pages.clone(), nil
}

// Get returns the content of one page or types.ErrPageNotFound.
func (s *Store) Get(ctx context.Context, page string) (stdjson.RawMessage, error) {
	pages, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	content, ok := pages[page]
	if !ok {
		return nil, errors.Wrap(types.ErrPageNotFound, page)
	}
	return content, nil
}

// List returns the sorted page paths.
func (s *Store) List(ctx context.Context) ([]string, error) {
	pages, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return pages.Paths(), nil
}

// Update runs fn on a fresh copy of the store while holding the store lock
// and writes the result back. Nothing is written when fn fails.
func (s *Store) Update(ctx context.Context, fn func(Pages) error) (err error) {
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "failure"
		}
		metrics.PageStoreWritesTotal.WithLabelValues(status).Inc()
		metrics.PageStoreUpdateDuration.Observe(time.Since(start).Seconds())
	}()

	g, err := s.locks.Acquire(ctx, s.lockName)
	if err != nil {
		return errors.Wrap(err, "lock page store")
	}
	defer func() {
		if cerr := g.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()

	pages, err := s.read()
	if err != nil {
		return err
	}
	if err = fn(pages); err != nil {
		return err
	}
	if _, err = atomic.WriteJSON(s.path, pages, s.perm); err != nil {
		return errors.Wrap(err, "write page store")
	}
	s.Invalidate()

	s.log.WithFields(logrus.Fields{
		"pages":         len(pages),
		"fencing_token": g.Token(),
	}).Debug("page store updated")
	return nil
}

// Put creates or replaces one page. content must be valid JSON.
func (s *Store) Put(ctx context.Context, page string, content []byte) error {
	if err := ValidatePath(page); err != nil {
		return err
	}
	content = bytes.TrimSpace(content)
	if !json.Valid(content) {
		return errors.Wrap(types.ErrInvalidPageContent, page)
	}
	raw := make(stdjson.RawMessage, len(content))
	copy(raw, content)

	return s.Update(ctx, func(pages Pages) error {
		pages[page] = raw
		return nil
	})
}

// Delete removes one page or returns types.ErrPageNotFound.
func (s *Store) Delete(ctx context.Context, page string) error {
	return s.Update(ctx, func(pages Pages) error {
		if _, ok := pages[page]; !ok {
			return errors.Wrap(types.ErrPageNotFound, page)
		}
		delete(pages, page)
		return nil
	})
}

// drops the cached snapshot so the next Load reads from disk
func (s *Store) Invalidate() {
	s.setCache(nil)
}

func (s *Store) setCache(snap *snapshot) {
	s.mu.Lock()
	s.cache = snap
	s.mu.Unlock()
}

func (s *Store) read() (Pages, error) {
	metrics.PageStoreReadsTotal.WithLabelValues("disk").Inc()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			metrics.PagesTotal.Set(0)
			return Pages{}, nil
		}
		return nil, errors.Wrap(err, "read page store")
	}

	pages := Pages{}
	if len(bytes.TrimSpace(b)) > 0 {
		if err := json.Unmarshal(b, &pages); err != nil {
			return nil, errors.Wrapf(err, "decode page store %s", s.path)
		}
		if pages == nil {
			//file contained a JSON null
			pages = Pages{}
		}
	}
	metrics.PagesTotal.Set(float64(len(pages)))
	return pages, nil
}

func (p Pages) Paths() []string {
	paths := make([]string, 0, len(p))
	for path := range p {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (p Pages) clone() Pages {
	c := make(Pages, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// page paths are absolute site paths such as "/" or "/blog/hello"
func ValidatePath(page string) error {
	if page == "" || !strings.HasPrefix(page, "/") {
		return errors.Wrapf(types.ErrInvalidPagePath, "%q", page)
	}
	return nil
}
