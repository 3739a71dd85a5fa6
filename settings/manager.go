package settings

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rlch/pyls/metrics"
)

// Subscriber observes settings changes. Subscribers run one at a time on the
// goroutine that called Update and must not call Update, Apply or SetBase
// themselves.
type Subscriber func(ctx context.Context, s Settings)

// Manager owns the current snapshot and notifies subscribers when it is replaced.
type Manager struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	// baseMu guards base and clientRaw and is taken before updateMu.
	baseMu sync.Mutex
	// base fills fields absent from an Apply payload.
	base Settings
	// clientRaw is the last payload Apply accepted, reapplied by SetBase.
	clientRaw []byte

	current atomic.Pointer[Settings]

	// updateMu serializes Update so subscribers observe snapshots in order.
	updateMu sync.Mutex

	subsMu sync.Mutex
	subs   map[int]Subscriber
	order  []int
	nextID int
}

// NewManager creates a manager holding initial, which also serves as the base for
// fields a client payload leaves out.
func NewManager(logger *zap.Logger, initial Settings, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		logger:  logger,
		metrics: m,
		base:    initial.Clone(),
		subs:    make(map[int]Subscriber),
	}

	snapshot := initial.Clone()
	mgr.current.Store(&snapshot)

	return mgr
}

// Current returns a copy of the current snapshot.
func (m *Manager) Current() Settings {
	return m.current.Load().Clone()
}

// Update validates s, replaces the snapshot and notifies subscribers in
// registration order. An invalid s leaves the snapshot unchanged.
func (m *Manager) Update(ctx context.Context, s Settings) error {
	if err := s.Validate(); err != nil {
		m.metrics.SettingsUpdate("invalid")
		m.logger.Warn("Rejecting settings", zap.Error(err))

		return err
	}

	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	snapshot := s.Clone()
	m.current.Store(&snapshot)
	m.metrics.SettingsUpdate("ok")
	m.logger.Debug("Settings updated", zap.Any("settings", snapshot))

	for _, sub := range m.subscribers() {
		sub(ctx, snapshot.Clone())
	}

	return nil
}

// Apply decodes a raw didChangeConfiguration payload over the base settings and
// updates the snapshot.
func (m *Manager) Apply(ctx context.Context, raw []byte) error {
	m.baseMu.Lock()
	defer m.baseMu.Unlock()

	s, err := DecodeOver(m.base, raw)
	if err != nil {
		m.metrics.SettingsUpdate("invalid")
		m.logger.Warn("Could not decode settings", zap.Error(err))

		return err
	}

	if err := m.Update(ctx, s); err != nil {
		return err
	}

	m.clientRaw = append([]byte(nil), raw...)

	return nil
}

// SetBase replaces the base settings, as when the config file changes. The last
// client payload is decoded again over the new base, so fields the client sent
// keep the client's values and the rest follow the file. A base that is invalid,
// or that the client payload turns invalid, leaves both base and snapshot unchanged.
func (m *Manager) SetBase(ctx context.Context, base Settings) error {
	if err := base.Validate(); err != nil {
		m.metrics.SettingsUpdate("invalid")
		m.logger.Warn("Rejecting base settings", zap.Error(err))

		return err
	}

	m.baseMu.Lock()
	defer m.baseMu.Unlock()

	s := base.Clone()

	if m.clientRaw != nil {
		var err error

		s, err = DecodeOver(base, m.clientRaw)
		if err != nil {
			m.metrics.SettingsUpdate("invalid")
			m.logger.Warn("Could not reapply client settings", zap.Error(err))

			return err
		}
	}

	if err := m.Update(ctx, s); err != nil {
		return err
	}

	m.base = base.Clone()

	return nil
}

// Subscribe registers fn and returns a function that removes it.
func (m *Manager) Subscribe(fn Subscriber) func() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.order = append(m.order, id)

	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()

		delete(m.subs, id)
	}
}

func (m *Manager) subscribers() []Subscriber {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	out := make([]Subscriber, 0, len(m.subs))
	live := m.order[:0]

	for _, id := range m.order {
		if sub, ok := m.subs[id]; ok {
			out = append(out, sub)
			live = append(live, id)
		}
	}

	m.order = live

	return out
}
