package prefs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabcounter/tabcounter.go/pkg/constants"
	"github.com/tabcounter/tabcounter.go/pkg/logger"
	"github.com/tabcounter/tabcounter.go/pkg/models"
)

func newTestStore(t *testing.T, content string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prefs.toml")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	return New(path, logger.Discard())
}

type recorder struct {
	mu  sync.Mutex
	got []models.Endpoint
}

func (r *recorder) add(e models.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
}

func (r *recorder) all() []models.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Endpoint(nil), r.got...)
}

func TestLoad(t *testing.T) {
	t.Run("defaults without file", func(t *testing.T) {
		s := newTestStore(t, "")
		require.NoError(t, s.Load())
		assert.Equal(t, models.DefaultPreferences(), s.Get())
		assert.Equal(t, "127.0.0.1:7212", s.Get().Endpoint().Address)
	})

	t.Run("defaults without path", func(t *testing.T) {
		s := New("", logger.Discard())
		require.NoError(t, s.Load())
		assert.Equal(t, constants.DefaultPort, s.Get().Port)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		s := newTestStore(t, "port = 7300\nsecret = \"abc\"\n")
		require.NoError(t, s.Load())
		assert.Equal(t, models.Preferences{Port: 7300, Secret: "abc"}, s.Get())
	})

	t.Run("env overrides file", func(t *testing.T) {
		t.Setenv("TAB_COUNTER_PORT", "7400")
		s := newTestStore(t, "port = 7300\n")
		require.NoError(t, s.Load())
		assert.Equal(t, 7400, s.Get().Port)
	})

	t.Run("empty env is ignored", func(t *testing.T) {
		t.Setenv("TAB_COUNTER_PORT", "")
		s := newTestStore(t, "port = 7300\n")
		require.NoError(t, s.Load())
		assert.Equal(t, 7300, s.Get().Port)
	})

	t.Run("invalid port", func(t *testing.T) {
		s := newTestStore(t, "port = 70000\n")
		err := s.Load()
		require.ErrorIs(t, err, constants.ErrInvalidPort)
		assert.Equal(t, models.DefaultPreferences(), s.Get())
	})

	t.Run("malformed file", func(t *testing.T) {
		s := newTestStore(t, "port = [\n")
		require.Error(t, s.Load())
	})
}

func TestSet(t *testing.T) {
	s := newTestStore(t, "")
	require.NoError(t, s.Load())

	rec := &recorder{}
	unsubscribe := s.Subscribe(rec.add)

	port := 7300
	require.NoError(t, s.Set(Update{Port: &port}))
	assert.Equal(t, 7300, s.Get().Port)
	assert.Equal(t, "127.0.0.1:7300", s.Current().Address)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, "127.0.0.1:7300", rec.all()[0].Address)

	// Persisted to disk.
	reloaded := New(s.Path(), logger.Discard())
	require.NoError(t, reloaded.Load())
	assert.Equal(t, 7300, reloaded.Get().Port)

	t.Run("unchanged does not notify", func(t *testing.T) {
		require.NoError(t, s.Set(Update{Port: &port}))
		assert.Len(t, rec.all(), 1)
	})

	t.Run("secret only", func(t *testing.T) {
		secret := "xyz"
		require.NoError(t, s.Set(Update{Secret: &secret}))
		require.Len(t, rec.all(), 2)
		assert.Equal(t, "xyz", rec.all()[1].Credential)
		assert.Equal(t, 7300, s.Get().Port)
	})

	t.Run("invalid is rejected", func(t *testing.T) {
		bad := 0
		require.ErrorIs(t, s.Set(Update{Port: &bad}), constants.ErrInvalidPort)
		assert.Equal(t, 7300, s.Get().Port)
		assert.Len(t, rec.all(), 2)
	})

	t.Run("unsubscribe", func(t *testing.T) {
		unsubscribe()
		other := 7301
		require.NoError(t, s.Set(Update{Port: &other}))
		assert.Len(t, rec.all(), 2)
	})
}

func TestSubscribeOrder(t *testing.T) {
	s := New("", logger.Discard())

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		s.SubscribePreferences(func(models.Preferences) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		})
	}

	port := 7300
	require.NoError(t, s.Set(Update{Port: &port}))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestWatch(t *testing.T) {
	s := newTestStore(t, "port = 7300\n")
	require.NoError(t, s.Load())

	rec := &recorder{}
	s.Subscribe(rec.add)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Watch(ctx))
	require.Error(t, s.Watch(ctx), "second watch must fail")

	require.NoError(t, os.WriteFile(s.Path(), []byte("port = 7400\n"), 0o600))

	require.Eventually(t, func() bool {
		got := rec.all()
		return len(got) > 0 && got[len(got)-1].Address == "127.0.0.1:7400"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 7400, s.Get().Port)
}

func TestWatchWithoutPath(t *testing.T) {
	s := New("", logger.Discard())
	require.NoError(t, s.Watch(context.Background()))
}
