package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"memoaid/internal/common/fsutil"
)

// UnknownKeyError is returned when a key is not part of ModelConfiguration.
type UnknownKeyError struct{ Key string }

func (e *UnknownKeyError) Error() string { return "settings: unknown key " + e.Key }

// IsUnknownKey reports whether err is an *UnknownKeyError.
func IsUnknownKey(err error) bool {
	var uk *UnknownKeyError
	return errors.As(err, &uk)
}

// Store is the persisted ModelConfiguration. The file format follows the
// extension: .json, .yaml/.yml or .toml.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  ModelConfiguration
	last []byte // bytes of the last save, to skip reloading our own writes

	saveMu sync.Mutex
	write  func(path string, data []byte, perm os.FileMode) error

	subs []func(ModelConfiguration)
	log  zerolog.Logger
}

// Open loads path, creating it with the defaults when it does not exist.
// Keys missing from the file keep their default value; unknown keys are
// logged and ignored.
func Open(path string, logger *zerolog.Logger) (*Store, error) {
	if _, err := codecFor(path); err != nil {
		return nil, err
	}
	s := &Store{path: path, cfg: Defaults(), write: fsutil.WriteFileAtomic, log: zerolog.Nop()}
	if logger != nil {
		s.log = logger.With().Str("component", "settings").Logger()
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := s.Save(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Get returns the value stored under key.
func (s *Store) Get(key string) (any, bool) {
	f, ok := fieldIndex[key]
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return f.get(&s.cfg), true
}

// GetAll returns a copy of the flat document.
func (s *Store) GetAll() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.ToMap()
}

// Config returns the typed configuration.
func (s *Store) Config() ModelConfiguration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Set updates one key in memory. Unknown keys are rejected and numbers are
// clamped to MaxValues. Call Save to persist.
func (s *Store) Set(key string, v any) error {
	return s.SetMany(map[string]any{key: v})
}

// SetMany applies several keys atomically: either all are applied or none.
func (s *Store) SetMany(values map[string]any) error {
	s.mu.Lock()
	next := s.cfg
	for k, v := range values {
		if err := next.Apply(k, v); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.cfg = next
	s.mu.Unlock()
	s.notify(next)
	return nil
}

// Reset restores the defaults and persists them.
func (s *Store) Reset() error {
	s.mu.Lock()
	s.cfg = Defaults()
	s.mu.Unlock()
	s.notify(Defaults())
	return s.Save()
}

// OnChange registers fn to be called after every change, including reloads
// triggered by external edits.
func (s *Store) OnChange(fn func(ModelConfiguration)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

func (s *Store) notify(c ModelConfiguration) {
	s.mu.RLock()
	subs := append([]func(ModelConfiguration){}, s.subs...)
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(c)
	}
}

// Save writes the document to disk through a temp file and rename. The
// written bytes are recorded before the rename so the watcher never reloads
// them.
func (s *Store) Save() error {
	enc, _ := codecFor(s.path)
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	b, err := enc.marshal(s.cfg.ToMap())
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("settings: encode: %w", err)
	}
	prev := s.last
	s.last = b
	s.mu.Unlock()

	if err := s.write(s.path, b, 0o644); err != nil {
		s.mu.Lock()
		s.last = prev
		s.mu.Unlock()
		return err
	}
	return nil
}

// Reload re-reads the file, starting from the defaults.
func (s *Store) Reload() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	dec, _ := codecFor(s.path)
	raw := map[string]any{}
	if len(bytes.TrimSpace(b)) > 0 {
		if err := dec.unmarshal(b, &raw); err != nil {
			return fmt.Errorf("settings: decode %s: %w", s.path, err)
		}
	}
	next := Defaults()
	for k, v := range raw {
		if err := next.Apply(k, v); err != nil {
			if IsUnknownKey(err) {
				s.log.Warn().Str("key", k).Msg("ignoring unknown settings key")
				continue
			}
			return err
		}
	}
	s.mu.Lock()
	s.cfg = next
	s.last = b
	s.mu.Unlock()
	s.notify(next)
	return nil
}

// Watch reloads the store whenever the file is changed by another writer.
// It returns once the watcher is installed and stops when ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors and Save replace the file by rename.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return err
	}
	target := filepath.Clean(s.path)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				s.reloadIfChanged()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn().Err(err).Msg("settings watcher error")
			}
		}
	}()
	return nil
}

func (s *Store) reloadIfChanged() {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	s.mu.RLock()
	same := bytes.Equal(b, s.last)
	s.mu.RUnlock()
	if same {
		return
	}
	if err := s.Reload(); err != nil {
		s.log.Warn().Err(err).Msg("settings reload failed")
		return
	}
	s.log.Info().Str("path", s.path).Msg("settings reloaded from disk")
}

type codec struct {
	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
}

func codecFor(path string) (codec, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return codec{marshal: yaml.Marshal, unmarshal: yaml.Unmarshal}, nil
	case ".json":
		return codec{
			marshal: func(v any) ([]byte, error) {
				b, err := json.MarshalIndent(v, "", "  ")
				if err != nil {
					return nil, err
				}
				return append(b, '\n'), nil
			},
			unmarshal: json.Unmarshal,
		}, nil
	case ".toml":
		return codec{marshal: toml.Marshal, unmarshal: toml.Unmarshal}, nil
	default:
		return codec{}, fmt.Errorf("settings: unsupported file extension %q", ext)
	}
}
