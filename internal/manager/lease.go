package manager

import (
	"context"
	"sync"
	"time"
)

// Lease grants exclusive use of the loaded model for one generation.
// Release must be called exactly once; extra calls are ignored.
type Lease struct {
	model Model
	path  string
	once  sync.Once
	free  func()
}

// Model returns the leased handle.
func (l *Lease) Model() Model { return l.model }

// Path returns the file path of the leased model.
func (l *Lease) Path() string { return l.path }

// Release returns the generation slot to the manager.
func (l *Lease) Release() {
	l.once.Do(l.free)
}

// Acquire reserves a queue slot and then the single in-flight slot for the
// loaded model. It is rejected with a busy error while a lifecycle operation
// is running and with ErrNotLoaded when the slot is empty.
func (m *Manager) Acquire(ctx context.Context) (*Lease, error) {
	if err := m.admissible(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(m.maxWait)
	defer timer.Stop()
	select {
	case m.queueCh <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, tooBusyError{path: m.currentPath()}
	}

	acquired := false
	defer func() {
		if !acquired {
			<-m.queueCh
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timer2 := time.NewTimer(m.maxWait)
	defer timer2.Stop()
	select {
	case m.genCh <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer2.C:
		return nil, tooBusyError{path: m.currentPath()}
	}

	// Recheck under the slot: an unload may have started while queued.
	m.mu.RLock()
	mdl, path, state := m.model, m.info.Path, m.state
	m.mu.RUnlock()
	if mdl == nil || state != StateReady {
		<-m.genCh
		if state == StateUnloading || state == StateLoading {
			return nil, busyError{op: string(state)}
		}
		return nil, ErrNotLoaded
	}
	acquired = true
	return &Lease{
		model: mdl,
		path:  path,
		free:  func() { <-m.genCh; <-m.queueCh },
	}, nil
}

func (m *Manager) admissible() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.state {
	case StateLoading, StateUnloading:
		return busyError{op: string(m.state)}
	}
	if m.op != "" {
		return busyError{op: m.op}
	}
	if m.model == nil {
		return ErrNotLoaded
	}
	return nil
}

func (m *Manager) currentPath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info.Path
}
