package profile

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-edge/internal/edge"
)

// Manager holds the active profile. Reads are lock-free.
type Manager struct {
	active atomic.Pointer[Profile]
}

func NewManager() *Manager { return &Manager{} }

// Set replaces the active profile.
func (m *Manager) Set(p *Profile) {
	if p == nil {
		return
	}
	cp := *p
	if cp.LoadedAt.IsZero() {
		cp.LoadedAt = time.Now().UTC()
	}
	m.active.Store(&cp)
}

func (m *Manager) Get() (*Profile, bool) {
	p := m.active.Load()
	return p, p != nil && p.Filter != nil
}

// Filter implements httpmw.FilterSource. Returns nil before the first Set,
// which the middleware treats as reject-all.
func (m *Manager) Filter() *edge.Filter {
	if p, ok := m.Get(); ok {
		return p.Filter
	}
	return nil
}

// ProfileVariant implements httpmw.ProfileInfo.
func (m *Manager) ProfileVariant() string {
	if p := m.active.Load(); p != nil {
		return p.Variant
	}
	return ""
}

// ProfileHash implements httpmw.ProfileInfo.
func (m *Manager) ProfileHash() string {
	if p := m.active.Load(); p != nil {
		return p.Hash
	}
	return ""
}

func (m *Manager) Source() Source {
	if p := m.active.Load(); p != nil {
		return p.Source
	}
	return SourceUnknown
}

func (m *Manager) LoadedAt() time.Time {
	if p := m.active.Load(); p != nil {
		return p.LoadedAt
	}
	return time.Time{}
}

// ReadyErr reports whether a profile is loaded, for the readiness probe.
func (m *Manager) ReadyErr() error {
	if _, ok := m.Get(); !ok {
		return errors.New("profile: no active profile")
	}
	return nil
}
