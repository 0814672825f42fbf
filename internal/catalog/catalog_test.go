package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/vortex-go/internal/fetch"
	"github.com/John-Robertt/vortex-go/internal/model"
	"github.com/John-Robertt/vortex-go/internal/sub"
)

const twoNodes = "ss://YWVzLTEyOC1nY206cGFzcw==@example.com:8388#good-ss\n" +
	"trojan://pw@t.example.com:443#good-trojan\n" +
	"vmess://not-base64!!\n"

func TestStore_LoadNeverNil(t *testing.T) {
	s := NewStore(nil)
	require.NotNil(t, s.Load())
	assert.Equal(t, 0, s.Load().Len())

	c := model.NewCatalog("x", time.Now(), []model.Node{{Name: "a", Server: "a.com", Port: 1, Kind: model.KindTrojan}})
	old := s.Swap(c)
	assert.Equal(t, 0, old.Len())
	assert.Same(t, c, s.Load())
}

func TestRefresher_URL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "meta", r.URL.Query().Get("flag"))
		w.Header().Set("subscription-userinfo", "upload=1; download=2; total=10")
		_, _ = w.Write([]byte(twoNodes))
	}))
	defer srv.Close()

	store := NewStore(nil)
	var swapped atomic.Int32
	r := NewRefresher(store, Options{
		URL:    srv.URL + "/sub?token=secret",
		Fetch:  fetch.Options{Flag: "meta"},
		OnSwap: func(*model.Catalog) { swapped.Add(1) },
	})

	rep, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Nodes)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, sub.FormatURIList, rep.Format)
	require.NotNil(t, rep.UserInfo)
	assert.Equal(t, int64(10), rep.UserInfo.Total)
	assert.NotContains(t, rep.Source, "secret")
	assert.Equal(t, 2, store.Load().Len())
	assert.Equal(t, int32(1), swapped.Load())
}

func TestRefresher_ZeroNodesKeepsPrevious(t *testing.T) {
	store := NewStore(nil)
	r := NewRefresher(store, Options{})

	_, err := r.Apply("first", twoNodes)
	require.NoError(t, err)
	before := store.Load()

	_, err = r.Apply("second", "vmess://broken\nss://@:0\n")
	var pe *sub.ParseError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, sub.ErrNoNodes)
	assert.Same(t, before, store.Load())

	_, err = r.Apply("third", "just some words")
	require.ErrorAs(t, err, &pe)
	assert.Same(t, before, store.Load())
}

func TestRefresher_ConcurrentRefreshSharesOneFetch(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte(twoNodes))
	}))
	defer srv.Close()

	r := NewRefresher(NewStore(nil), Options{URL: srv.URL})
	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Refresh(context.Background())
		}(i)
	}
	require.Eventually(t, func() bool { return hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestRefresher_CancelledCallerDoesNotAbortSharedFetch(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte(twoNodes))
	}))
	defer srv.Close()

	store := NewStore(nil)
	r := NewRefresher(store, Options{URL: srv.URL})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Refresh(ctx)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	secondErr := make(chan error, 1)
	go func() {
		_, err := r.Refresh(context.Background())
		secondErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	require.NoError(t, <-secondErr)
	assert.Equal(t, 2, store.Load().Len())
	assert.Equal(t, int32(1), hits.Load())
}

func TestRefresher_FileAndNoSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub.txt")
	require.NoError(t, os.WriteFile(path, []byte(twoNodes), 0o600))

	store := NewStore(nil)
	rep, err := NewRefresher(store, Options{File: path}).Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, path, rep.Source)
	assert.Equal(t, 2, store.Load().Len())

	_, err = NewRefresher(store, Options{}).Refresh(context.Background())
	assert.True(t, errors.Is(err, ErrNoSource))

	_, err = NewRefresher(store, Options{File: path + ".missing"}).Refresh(context.Background())
	var pe *sub.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "SUB_READ_ERROR", pe.AppError.Code)
}

func TestWatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub.txt")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var changes atomic.Int32
	done := make(chan error, 1)
	go func() { done <- WatchFile(ctx, path, nil, func() { changes.Add(1) }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o600))
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte(twoNodes), 0o600))
	}

	require.Eventually(t, func() bool { return changes.Load() == 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(watchDebounce * 2)
	assert.Equal(t, int32(1), changes.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WatchFile did not return after cancel")
	}
}
