package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pixperk/pagelock/pkg/types"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPageCommands(t *testing.T) {
	store := filepath.Join(t.TempDir(), "site", "pages.json")
	common := []string{"--store", store, "--log-level", "error"}

	_, err := run(t, `{"title":"About"}`, append([]string{"put", "/about"}, common...)...)
	require.NoError(t, err)

	out, err := run(t, "", append([]string{"get", "/about"}, common...)...)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"About"}`, out)

	out, err = run(t, "", append([]string{"list"}, common...)...)
	require.NoError(t, err)
	assert.Equal(t, "/about\n", out)

	_, err = run(t, "", append([]string{"delete", "/about"}, common...)...)
	require.NoError(t, err)

	_, err = run(t, "", append([]string{"get", "/about"}, common...)...)
	assert.Error(t, err)
}

func TestLockCommands(t *testing.T) {
	store := filepath.Join(t.TempDir(), "pages.json")
	common := []string{"--store", store, "--log-level", "error"}

	out, err := run(t, "", append([]string{"lock", "status"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "state:    free")

	out, err = run(t, "", append([]string{"lock", "release"}, common...)...)
	require.NoError(t, err)
	assert.Equal(t, "not_found\n", out)

	_, err = run(t, "", append([]string{"lock", "break"}, common...)...)
	assert.Error(t, err)
}

func TestHoldLock(t *testing.T) {
	a := &app{v: viper.New()}
	a.v.Set("store.path", filepath.Join(t.TempDir(), "pages.json"))
	a.v.Set("log.level", "error")
	require.NoError(t, a.init(""))

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- holdLock(ctx, a, a.store.LockName(), &out) }()

	assert.Eventually(t, func() bool {
		lock, err := a.locks.Inspect(a.store.LockName())
		return err == nil && lock.State == types.LockStateHeld
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("lock was not released after interrupt")
	}
	assert.Contains(t, out.String(), "acquired")
	assert.Contains(t, out.String(), "released")
	assert.NoFileExists(t, a.store.LockName())
}
