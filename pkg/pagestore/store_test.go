package pagestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pixperk/pagelock/pkg/lock"
	"github.com/pixperk/pagelock/pkg/logging"
	"github.com/pixperk/pagelock/pkg/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, path string, cfg lock.Config) *Store {
	t.Helper()
	cfg.Logger = logging.Discard()
	return New(path, lock.NewManager(cfg), WithLogger(logging.Discard()))
}

func storePath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "pages.json")
}

func TestLoadMissingFile(t *testing.T) {
	s := newTestStore(t, storePath(t), lock.DefaultConfig())

	pages, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pages)

	_, err = s.Get(context.Background(), "/")
	assert.ErrorIs(t, err, types.ErrPageNotFound)
}

func TestLoadExistingFile(t *testing.T) {
	path := storePath(t)
	require.NoError(t, os.WriteFile(path, []byte(`{"/about":{"content":[{"type":"Heading"}]},"/":{"root":{}}}`), 0o644))
	s := newTestStore(t, path, lock.DefaultConfig())

	content, err := s.Get(context.Background(), "/about")
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":[{"type":"Heading"}]}`, string(content))

	paths, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/about"}, paths)
}

func TestLoadCorruptFile(t *testing.T) {
	path := storePath(t)
	require.NoError(t, os.WriteFile(path, []byte(`{"/":`), 0o644))
	s := newTestStore(t, path, lock.DefaultConfig())

	_, err := s.Load(context.Background())
	assert.Error(t, err)
}

func TestLoadReturnsCopy(t *testing.T) {
	path := storePath(t)
	s := newTestStore(t, path, lock.DefaultConfig())
	require.NoError(t, s.Put(context.Background(), "/", []byte(`{}`)))

	pages, err := s.Load(context.Background())
	require.NoError(t, err)
	delete(pages, "/")

	pages, err = s.Load(context.Background())
	require.NoError(t, err)
	assert.Contains(t, pages, "/")
}

func TestPutGetDelete(t *testing.T) {
	path := storePath(t)
	s := newTestStore(t, path, lock.DefaultConfig())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "/blog/hello", []byte(` {"title":"Hello"} `)))

	content, err := s.Get(ctx, "/blog/hello")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Hello"}`, string(content))

	//the file on disk is plain JSON other readers understand
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"/blog/hello":{"title":"Hello"}}`, string(b))

	//the lock is not left behind
	assert.NoFileExists(t, s.LockName())

	require.NoError(t, s.Delete(ctx, "/blog/hello"))
	_, err = s.Get(ctx, "/blog/hello")
	assert.ErrorIs(t, err, types.ErrPageNotFound)

	assert.ErrorIs(t, s.Delete(ctx, "/blog/hello"), types.ErrPageNotFound)
}

func TestPutValidation(t *testing.T) {
	s := newTestStore(t, storePath(t), lock.DefaultConfig())
	ctx := context.Background()

	assert.ErrorIs(t, s.Put(ctx, "about", []byte(`{}`)), types.ErrInvalidPagePath)
	assert.ErrorIs(t, s.Put(ctx, "", []byte(`{}`)), types.ErrInvalidPagePath)
	assert.ErrorIs(t, s.Put(ctx, "/about", []byte(`{"title":`)), types.ErrInvalidPageContent)
}

func TestUpdateAbortsOnError(t *testing.T) {
	path := storePath(t)
	s := newTestStore(t, path, lock.DefaultConfig())
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "/", []byte(`{"v":1}`)))

	boom := errors.New("boom")
	err := s.Update(ctx, func(pages Pages) error {
		pages["/"] = []byte(`{"v":2}`)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	content, err := s.Get(ctx, "/")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(content))
	assert.NoFileExists(t, s.LockName())
}

func TestUpdateLockTimeout(t *testing.T) {
	path := storePath(t)
	s := newTestStore(t, path, lock.Config{MaxAttempts: 2, Backoff: time.Millisecond})

	//another writer holds the store
	other := lock.NewManager(lock.Config{Logger: logging.Discard()})
	g, err := other.Acquire(context.Background(), s.LockName())
	require.NoError(t, err)
	defer g.Close()

	err = s.Put(context.Background(), "/", []byte(`{}`))
	assert.ErrorIs(t, err, types.ErrLockTimeout)
	assert.NoFileExists(t, path, "nothing may be written without the lock")
}

func TestConcurrentWritersDoNotLoseUpdates(t *testing.T) {
	path := storePath(t)
	cfg := lock.Config{MaxAttempts: 5000, Backoff: time.Millisecond}

	const (
		writers = 4
		pages   = 10
	)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		//separate stores and managers, as separate processes would have
		s := newTestStore(t, path, cfg)
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < pages; i++ {
				page := fmt.Sprintf("/w%d/p%d", w, i)
				assert.NoError(t, s.Put(context.Background(), page, []byte(`{}`)))
			}
		}(w)
	}
	wg.Wait()

	s := newTestStore(t, path, cfg)
	paths, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, paths, writers*pages)
}

func TestLoadSeesExternalWrites(t *testing.T) {
	path := storePath(t)
	s := newTestStore(t, path, lock.DefaultConfig())
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "/", []byte(`{}`)))

	_, err := s.Load(ctx)
	require.NoError(t, err)

	writer := newTestStore(t, path, lock.DefaultConfig())
	require.NoError(t, writer.Put(ctx, "/new", []byte(`{"fresh":true}`)))

	content, err := s.Get(ctx, "/new")
	require.NoError(t, err)
	assert.JSONEq(t, `{"fresh":true}`, string(content))
}

func TestWatchInvalidatesCache(t *testing.T) {
	path := storePath(t)
	require.NoError(t, os.WriteFile(path, []byte(`{"/":{"v":1}}`), 0o644))
	s := newTestStore(t, path, lock.DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	_, err := s.Load(ctx)
	require.NoError(t, err)

	//same size and mtime, only the watcher can tell it changed
	info, err := os.Stat(path)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		if err := os.WriteFile(path, []byte(`{"/":{"v":2}}`), 0o644); err != nil {
			return false
		}
		if err := os.Chtimes(path, info.ModTime(), info.ModTime()); err != nil {
			return false
		}
		content, err := s.Get(ctx, "/")
		return err == nil && string(content) == `{"v":2}`
	}, 2*time.Second, 50*time.Millisecond)
}

func TestValidatePath(t *testing.T) {
	assert.NoError(t, ValidatePath("/"))
	assert.NoError(t, ValidatePath("/blog/post"))
	assert.ErrorIs(t, ValidatePath("blog"), types.ErrInvalidPagePath)
	assert.ErrorIs(t, ValidatePath(""), types.ErrInvalidPagePath)
}
