// Package prompts manages system prompts: one global prompt, optional
// per-model overrides and named custom prompts.
package prompts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"memoaid/internal/common/fsutil"
)

// ErrNotFound is returned for an unknown custom prompt id.
var ErrNotFound = errors.New("prompt not found")

// Custom is a named, reusable system prompt.
type Custom struct {
	Prompt      string    `json:"prompt"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Document is the persisted form.
type Document struct {
	GlobalPrompt  string            `json:"global_prompt"`
	ModelPrompts  map[string]string `json:"model_prompts"`
	CustomPrompts map[string]Custom `json:"custom_prompts"`
}

// Store is a JSON-file backed prompt provider. A Store with an empty path
// keeps everything in memory.
type Store struct {
	mu   sync.RWMutex
	path string
	doc  Document
	now  func() time.Time
}

// Open loads path. A missing file yields an empty document.
func Open(path string) (*Store, error) {
	s := &Store{path: path, now: time.Now}
	s.doc = emptyDocument()
	if path == "" {
		return s, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &s.doc); err != nil {
		return nil, fmt.Errorf("prompts: decode %s: %w", path, err)
	}
	if s.doc.ModelPrompts == nil {
		s.doc.ModelPrompts = map[string]string{}
	}
	if s.doc.CustomPrompts == nil {
		s.doc.CustomPrompts = map[string]Custom{}
	}
	return s, nil
}

func emptyDocument() Document {
	return Document{ModelPrompts: map[string]string{}, CustomPrompts: map[string]Custom{}}
}

// GlobalPrompt returns the prompt used when nothing more specific applies.
func (s *Store) GlobalPrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.GlobalPrompt
}

// SetGlobalPrompt replaces the global prompt and saves.
func (s *Store) SetGlobalPrompt(p string) error {
	s.mu.Lock()
	s.doc.GlobalPrompt = p
	s.mu.Unlock()
	return s.save()
}

// ModelPrompt returns the override for modelID, or the global prompt.
func (s *Store) ModelPrompt(modelID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.doc.ModelPrompts[modelID]; ok {
		return p
	}
	return s.doc.GlobalPrompt
}

// HasModelPrompt reports whether modelID has its own stored prompt.
func (s *Store) HasModelPrompt(modelID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.doc.ModelPrompts[modelID]
	return ok
}

// SetModelPrompt stores an override for modelID and saves. A blank prompt
// removes the override.
func (s *Store) SetModelPrompt(modelID, p string) error {
	s.mu.Lock()
	if strings.TrimSpace(p) == "" {
		delete(s.doc.ModelPrompts, modelID)
	} else {
		s.doc.ModelPrompts[modelID] = p
	}
	s.mu.Unlock()
	return s.save()
}

// CustomPrompt returns a named prompt.
func (s *Store) CustomPrompt(id string) (Custom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.doc.CustomPrompts[id]
	if !ok {
		return Custom{}, ErrNotFound
	}
	return c, nil
}

// SetCustomPrompt creates or replaces a named prompt. The creation time of
// an existing entry is kept.
func (s *Store) SetCustomPrompt(id, prompt, description string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("prompts: empty id")
	}
	s.mu.Lock()
	created := s.now().UTC()
	if old, ok := s.doc.CustomPrompts[id]; ok {
		created = old.CreatedAt
	}
	s.doc.CustomPrompts[id] = Custom{Prompt: prompt, Description: description, CreatedAt: created}
	s.mu.Unlock()
	return s.save()
}

// DeleteCustomPrompt removes a named prompt.
func (s *Store) DeleteCustomPrompt(id string) error {
	s.mu.Lock()
	if _, ok := s.doc.CustomPrompts[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.doc.CustomPrompts, id)
	s.mu.Unlock()
	return s.save()
}

// CustomIDs returns the ids of all custom prompts, sorted.
func (s *Store) CustomIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.doc.CustomPrompts))
	for id := range s.doc.CustomPrompts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// EffectivePrompt picks the system prompt for a generation: a known custom
// prompt first, then the model override, then the global prompt.
func (s *Store) EffectivePrompt(modelID, customID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if customID != "" {
		if c, ok := s.doc.CustomPrompts[customID]; ok {
			return c.Prompt
		}
	}
	if p, ok := s.doc.ModelPrompts[modelID]; ok {
		return p
	}
	return s.doc.GlobalPrompt
}

// Snapshot returns a deep copy of the document.
func (s *Store) Snapshot() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Document{
		GlobalPrompt:  s.doc.GlobalPrompt,
		ModelPrompts:  make(map[string]string, len(s.doc.ModelPrompts)),
		CustomPrompts: make(map[string]Custom, len(s.doc.CustomPrompts)),
	}
	for k, v := range s.doc.ModelPrompts {
		out.ModelPrompts[k] = v
	}
	for k, v := range s.doc.CustomPrompts {
		out.CustomPrompts[k] = v
	}
	return out
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	b, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.path, append(b, '\n'), 0o644)
}
