package manager

import (
	"context"
	"time"
)

// unloadLocked must be called with the lifecycle lock held.
//   - Marks the slot unloading so Acquire rejects new work.
//   - Waits up to drainTimeout for in-flight and queued generations.
//   - Closes the model and polls Released until releaseGrace expires.
func (m *Manager) unloadLocked(ctx context.Context) error {
	m.mu.Lock()
	mdl := m.model
	path := m.info.Path
	if mdl == nil {
		m.state = StateEmpty
		m.info = ModelInfo{}
		m.mu.Unlock()
		return nil
	}
	m.state = StateUnloading
	m.mu.Unlock()
	m.emit(EventUnloadStart, path, map[string]any{})

	deadline := time.Now().Add(m.drainTimeout)
	for {
		inflight := len(m.genCh)
		qlen := len(m.queueCh)
		if inflight == 0 && qlen == 0 {
			break
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			m.log.Warn().Str("path", path).Int("inflight", inflight).Int("queue", qlen).Msg("drain timed out; disposing anyway")
			m.emit(EventDrainTimeout, path, map[string]any{"inflight": inflight, "queue": qlen})
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := mdl.Close(); err != nil {
		m.log.Warn().Err(err).Str("path", path).Msg("model close returned error")
	}

	released := m.waitReleased(ctx, mdl)

	m.mu.Lock()
	m.model = nil
	m.state = StateEmpty
	m.info = ModelInfo{}
	m.mu.Unlock()
	modelLoaded.Set(0)

	if !released {
		m.log.Warn().Str("path", path).Dur("grace", m.releaseGrace).Msg("release not confirmed")
		m.emit(EventUnloadTimeout, path, map[string]any{"grace": m.releaseGrace.String()})
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrReleaseTimeout
	}
	m.log.Info().Str("path", path).Msg("model unloaded")
	m.emit(EventUnloadDone, path, map[string]any{})
	return nil
}

func (m *Manager) waitReleased(ctx context.Context, mdl Model) bool {
	if mdl.Released() {
		return true
	}
	grace := time.NewTimer(m.releaseGrace)
	defer grace.Stop()
	tick := time.NewTicker(m.releasePoll)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if mdl.Released() {
				return true
			}
		case <-grace.C:
			return mdl.Released()
		case <-ctx.Done():
			return false
		}
	}
}
