// Package radio models the emulated cellular radio: registration status,
// technology, signal quality and the default network presets each
// technology implies.
package radio

import (
	"sync"
	"sync/atomic"

	"github.com/codefionn/netemu/netemu-srv/config"
	"github.com/codefionn/netemu/netemu-srv/neterr"
)

// Model is the process-wide radio state. Reads are lock-free loads of an
// immutable State; writers are serialized and publish a new State in one
// swap, so a reader never sees a half-applied change.
type Model struct {
	mu      sync.Mutex
	state   atomic.Pointer[State]
	presets atomic.Pointer[PresetTable]

	observersMu sync.RWMutex
	observers   map[int]func(State)
	nextID      int
}

// NewModel creates a model with the given preset table and initial state.
// The initial signal strength and bit error rate are clamped.
func NewModel(table PresetTable, initial State) (*Model, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if err := initial.validate(); err != nil {
		return nil, neterr.Wrap(neterr.ErrCodeInvalidRadio, err)
	}
	m := &Model{observers: make(map[int]func(State))}
	st := initial.normalized()
	m.state.Store(&st)
	m.presets.Store(&table)
	return m, nil
}

// NewModelFromConfig builds a model from the radio and preset sections.
func NewModelFromConfig(rc config.RadioConfig, presets []config.PresetConfig) (*Model, error) {
	table, err := PresetTableFromConfig(presets)
	if err != nil {
		return nil, err
	}
	st, err := StateFromConfig(rc)
	if err != nil {
		return nil, err
	}
	return NewModel(table, st)
}

// StateFromConfig parses a radio configuration section. Empty names keep
// the defaults.
func StateFromConfig(rc config.RadioConfig) (State, error) {
	st := DefaultState()
	var err error
	if rc.Status != "" {
		if st.Status, err = ParseStatus(rc.Status); err != nil {
			return st, neterr.Wrap(neterr.ErrCodeInvalidRadio, err)
		}
	}
	if rc.VoiceStatus != "" {
		if st.VoiceStatus, err = ParseStatus(rc.VoiceStatus); err != nil {
			return st, neterr.Wrap(neterr.ErrCodeInvalidRadio, err)
		}
	}
	if rc.Standard != "" {
		if st.Standard, err = ParseStandard(rc.Standard); err != nil {
			return st, neterr.Wrap(neterr.ErrCodeInvalidRadio, err)
		}
	}
	st.SignalStrength = rc.SignalStrength
	return st.normalized(), nil
}

// Snapshot returns the current state.
func (m *Model) Snapshot() State {
	return *m.state.Load()
}

func (m *Model) Status() Status { return m.state.Load().Status }
func (m *Model) VoiceStatus() Status { return m.state.Load().VoiceStatus }
func (m *Model) Standard() Standard { return m.state.Load().Standard }
func (m *Model) SignalStrength() int { return m.state.Load().SignalStrength }
func (m *Model) BitErrorRate() int { return m.state.Load().BitErrorRate }
func (m *Model) Presets() PresetTable { return *m.presets.Load() }
func (m *Model) PresetFor(s Standard) Preset { return m.presets.Load().Lookup(s) }

// Preset returns the preset of the current standard.
func (m *Model) Preset() Preset {
	return m.PresetFor(m.Standard())
}

// update applies fn to a copy of the current state and publishes it.
func (m *Model) update(fn func(*State) error) error {
	m.mu.Lock()
	next := *m.state.Load()
	if err := fn(&next); err != nil {
		m.mu.Unlock()
		return err
	}
	next = next.normalized()
	m.state.Store(&next)
	m.mu.Unlock()

	m.notify(next)
	return nil
}

// SetStatus sets the data registration status.
func (m *Model) SetStatus(s Status) error {
	return m.update(func(st *State) error {
		if !s.Valid() {
			return neterr.Errorf(neterr.ErrCodeInvalidRadio, "invalid status %d", int(s))
		}
		st.Status = s
		return nil
	})
}

// SetVoiceStatus sets the voice registration status.
func (m *Model) SetVoiceStatus(s Status) error {
	return m.update(func(st *State) error {
		if !s.Valid() {
			return neterr.Errorf(neterr.ErrCodeInvalidRadio, "invalid voice status %d", int(s))
		}
		st.VoiceStatus = s
		return nil
	})
}

// SetStandard switches the radio technology. Shaping decisions taken
// afterwards use the preset of s.
func (m *Model) SetStandard(s Standard) error {
	return m.update(func(st *State) error {
		if !s.Valid() {
			return neterr.Errorf(neterr.ErrCodeInvalidRadio, "invalid standard %d", int(s))
		}
		st.Standard = s
		return nil
	})
}

// SetSignalStrength sets the rssi, clamped to [0,31].
func (m *Model) SetSignalStrength(rssi int) {
	_ = m.update(func(st *State) error {
		st.SignalStrength = rssi
		return nil
	})
}

// SetSignal sets rssi and bit error rate together.
func (m *Model) SetSignal(rssi, ber int) {
	_ = m.update(func(st *State) error {
		st.SignalStrength = rssi
		st.BitErrorRate = ber
		return nil
	})
}

// SetBitErrorRate sets the bit error rate; values outside [0,7] become unknown.
func (m *Model) SetBitErrorRate(ber int) {
	_ = m.update(func(st *State) error {
		st.BitErrorRate = ber
		return nil
	})
}

// SetSignalProfile sets the rssi from a quality level, 0 (none) to 4 (great).
func (m *Model) SetSignalProfile(level int) error {
	if level < 0 || level >= len(signalProfiles) {
		return neterr.Errorf(neterr.ErrCodeInvalidRadio, "signal profile must be 0-%d", len(signalProfiles)-1)
	}
	m.SetSignalStrength(signalProfiles[level])
	return nil
}

// Restore replaces the whole state, as done when loading a snapshot.
func (m *Model) Restore(s State) error {
	if err := s.validate(); err != nil {
		return neterr.Wrap(neterr.ErrCodeInvalidRadio, err)
	}
	return m.update(func(st *State) error {
		*st = s
		return nil
	})
}

// Update applies fn to a copy of the state and publishes the result in one
// swap. Writes from other callers can't interleave. An error from fn or an
// invalid result leaves the state untouched.
func (m *Model) Update(fn func(*State) error) error {
	return m.update(func(st *State) error {
		next := *st
		if err := fn(&next); err != nil {
			return err
		}
		if err := next.validate(); err != nil {
			return neterr.Wrap(neterr.ErrCodeInvalidRadio, err)
		}
		*st = next
		return nil
	})
}

// SetPresets replaces the preset table.
func (m *Model) SetPresets(table PresetTable) error {
	if err := table.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.presets.Store(&table)
	st := *m.state.Load()
	m.mu.Unlock()

	m.notify(st)
	return nil
}

// Apply sets the state described by a radio configuration section.
func (m *Model) Apply(rc config.RadioConfig) error {
	st, err := StateFromConfig(rc)
	if err != nil {
		return err
	}
	return m.Restore(st)
}

// Subscribe registers fn to be called with every new state. The returned
// function removes the subscription.
func (m *Model) Subscribe(fn func(State)) func() {
	m.observersMu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = fn
	m.observersMu.Unlock()

	return func() {
		m.observersMu.Lock()
		delete(m.observers, id)
		m.observersMu.Unlock()
	}
}

func (m *Model) notify(st State) {
	m.observersMu.RLock()
	fns := make([]func(State), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.observersMu.RUnlock()

	for _, fn := range fns {
		fn(st)
	}
}
