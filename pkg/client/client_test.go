package client_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pixperk/pagelock/pkg/client"
	"github.com/pixperk/pagelock/pkg/lock"
	"github.com/pixperk/pagelock/pkg/logging"
	"github.com/pixperk/pagelock/pkg/pagestore"
	"github.com/pixperk/pagelock/pkg/server"
	"github.com/pixperk/pagelock/pkg/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*client.Client, *pagestore.Store, *lock.Manager) {
	t.Helper()
	log := logging.Discard()
	locks := lock.NewManager(lock.Config{MaxAttempts: 2, Backoff: time.Millisecond, Logger: log})
	store := pagestore.New(filepath.Join(t.TempDir(), "pages.json"), locks, pagestore.WithLogger(log))

	ts := httptest.NewServer(server.NewServer(store, locks, log).Handler())
	t.Cleanup(ts.Close)

	c, err := client.NewClient(ts.URL)
	require.NoError(t, err)
	return c, store, locks
}

func TestClientPages(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "/blog/hello world", []byte(`{"title":"Hi"}`)))
	require.NoError(t, c.Put(ctx, "/", []byte(`{"root":{}}`)))

	content, err := c.Get(ctx, "/blog/hello world")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Hi"}`, string(content))

	pages, err := c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/blog/hello world"}, pages)

	require.NoError(t, c.Delete(ctx, "/"))
	_, err = c.Get(ctx, "/")
	assert.ErrorIs(t, err, types.ErrPageNotFound)

	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.StatusCode)
}

func TestClientLockTimeout(t *testing.T) {
	c, store, locks := newTestClient(t)
	ctx := context.Background()

	g, err := locks.Acquire(ctx, store.LockName())
	require.NoError(t, err)
	defer g.Close()

	err = c.Put(ctx, "/about", []byte(`{}`))
	assert.ErrorIs(t, err, types.ErrLockTimeout)

	status, err := c.LockStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.LockStateHeld, status.State)
	require.NotNil(t, status.Lease)
	assert.Equal(t, g.Token(), status.Lease.FencingToken)
}

func TestClientInvalidContent(t *testing.T) {
	c, _, _ := newTestClient(t)

	err := c.Put(context.Background(), "/about", []byte(`nope`))
	assert.ErrorIs(t, err, types.ErrInvalidPageContent)
}
