// Package prefs stores the relay preferences (port and secret).
//
// Preferences are layered, lowest to highest: built-in defaults, a TOML file,
// then TAB_COUNTER_* environment variables. Changes made through Set are
// written back to the file, and changes made to the file by hand are picked
// up by Watch. Either way subscribers are told about the new preferences.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/tabcounter/tabcounter.go/pkg/logger"
	"github.com/tabcounter/tabcounter.go/pkg/models"
)

// EnvPrefix is the prefix of environment variables overriding the file,
// e.g. TAB_COUNTER_PORT and TAB_COUNTER_SECRET.
const EnvPrefix = "TAB_COUNTER_"

// Update is a partial change to the preferences. Nil fields are left alone.
type Update struct {
	Port   *int
	Secret *string
}

type Store struct {
	path   string
	logger logger.Logger

	mu        sync.Mutex
	prefs     models.Preferences
	listeners map[int]func(models.Preferences)
	nextID    int
	watching  *file.File
}

// New returns a Store holding the defaults. path may be empty,
// in which case nothing is read from or written to disk.
func New(path string, log logger.Logger) *Store {
	return &Store{
		path:      path,
		logger:    log,
		prefs:     models.DefaultPreferences(),
		listeners: make(map[int]func(models.Preferences)),
	}
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the file and the environment on top of the defaults.
// A missing file is not an error. Subscribers are notified if the result differs.
func (s *Store) Load() error {
	prefs, err := s.read()
	if err != nil {
		return err
	}
	s.replace(prefs)
	return nil
}

func (s *Store) read() (models.Preferences, error) {
	prefs := models.DefaultPreferences()
	k := koanf.New(".")

	if s.path != "" {
		if _, err := os.Stat(s.path); err == nil {
			if err := k.Load(file.Provider(s.path), toml.Parser()); err != nil {
				return prefs, fmt.Errorf("failed to load preferences file: %w", err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return prefs, fmt.Errorf("failed to stat preferences file: %w", err)
		}
	}

	// Empty variables are skipped rather than clearing the file's value.
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, interface{}) {
		if value == "" {
			return "", nil
		}
		return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), value
	}), nil); err != nil {
		return prefs, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", &prefs, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           &prefs,
		},
	}); err != nil {
		return prefs, fmt.Errorf("failed to unmarshal preferences: %w", err)
	}

	if err := prefs.Validate(); err != nil {
		return prefs, fmt.Errorf("invalid preferences: %w", err)
	}
	return prefs, nil
}

func (s *Store) Get() models.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

// Set merges update into the current preferences, validates the result,
// writes it to the file and notifies subscribers.
func (s *Store) Set(update Update) error {
	s.mu.Lock()
	prefs := s.prefs
	s.mu.Unlock()

	if update.Port != nil {
		prefs.Port = *update.Port
	}
	if update.Secret != nil {
		prefs.Secret = *update.Secret
	}
	if err := prefs.Validate(); err != nil {
		return err
	}

	if err := s.write(prefs); err != nil {
		return err
	}

	s.replace(prefs)
	return nil
}

func (s *Store) write(prefs models.Preferences) error {
	if s.path == "" {
		return nil
	}

	k := koanf.New(".")
	if err := k.Set("port", prefs.Port); err != nil {
		return err
	}
	if err := k.Set("secret", prefs.Secret); err != nil {
		return err
	}
	data, err := k.Marshal(toml.Parser())
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	// Write to a sibling file first so a watcher never reads a partial file.
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".prefs-*.toml")
	if err != nil {
		return fmt.Errorf("failed to write preferences file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write preferences file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write preferences file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to write preferences file: %w", err)
	}
	return nil
}

// SubscribePreferences registers fn for every later change.
// fn is never called from within SubscribePreferences.
func (s *Store) SubscribePreferences(fn func(models.Preferences)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Subscribe implements rews.EndpointSource.
func (s *Store) Subscribe(fn func(models.Endpoint)) (unsubscribe func()) {
	return s.SubscribePreferences(func(p models.Preferences) {
		fn(p.Endpoint())
	})
}

// Current implements rews.EndpointSource.
func (s *Store) Current() models.Endpoint {
	return s.Get().Endpoint()
}

// Watch reloads the preferences whenever the file changes, until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}

	provider := file.Provider(s.path)

	s.mu.Lock()
	if s.watching != nil {
		s.mu.Unlock()
		return errors.New("prefs: already watching")
	}
	s.watching = provider
	s.mu.Unlock()

	err := provider.Watch(func(_ interface{}, err error) {
		if err != nil {
			s.logger.Warn("preferences watch failed", "path", s.path, "error", err)
			return
		}
		if err := s.Load(); err != nil {
			s.logger.Warn("ignoring invalid preferences", "path", s.path, "error", err)
			return
		}
		s.logger.Debug("preferences reloaded", "path", s.path)
	})
	if err != nil {
		s.mu.Lock()
		s.watching = nil
		s.mu.Unlock()
		return fmt.Errorf("failed to watch preferences file: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := provider.Unwatch(); err != nil {
			s.logger.Debug("failed to stop watching preferences", "error", err)
		}
		s.mu.Lock()
		s.watching = nil
		s.mu.Unlock()
	}()

	return nil
}

// replace stores prefs and notifies subscribers if anything changed.
func (s *Store) replace(prefs models.Preferences) {
	s.mu.Lock()
	changed := s.prefs != prefs
	s.prefs = prefs
	listeners := make([]func(models.Preferences), 0, len(s.listeners))
	for id := 0; id < s.nextID; id++ {
		if fn, ok := s.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	s.logger.Info("preferences updated", "port", prefs.Port, "secret_set", prefs.Secret != "")
	for _, fn := range listeners {
		fn(prefs)
	}
}
