package events

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// Manager handles event emission and logging
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager creates a new event manager
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus: bus,
		log: log.With().Str("service", "events").Logger(),
	}
}

// Bus returns the underlying bus
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Emit publishes data on the bus and logs the event
func (m *Manager) Emit(module string, data EventData) {
	event := m.bus.Emit(module, data)

	payload, err := json.Marshal(event.Data)
	if err != nil {
		payload = []byte("null")
	}

	lvl := zerolog.InfoLevel
	switch event.Type {
	case OrderFailed, ErrorOccurred:
		lvl = zerolog.WarnLevel
	case RiskAssessed, CycleSkipped:
		lvl = zerolog.DebugLevel
	}

	m.log.WithLevel(lvl).
		Str("event_type", string(event.Type)).
		Str("module", module).
		RawJSON("data", payload).
		Msg("Event emitted")
}

// EmitError emits an error event
func (m *Manager) EmitError(module string, err error, context map[string]any) {
	m.Emit(module, &ErrorEventData{Error: err.Error(), Context: context})
}
