package pebble

import "context"

// Machine applies the lifecycle transition rules over a Store.
//
// Checks are evaluated in a fixed order: registration before binding
// before the write, so the first failing precondition names the rejection.
// Binding events are gated on registration alone. A store fault during a
// precondition check aborts the transition immediately.
//
// When the store is a TxStore, each transition's checks and write run in
// one WithinDevice call.
type Machine struct {
	store Store
}

// NewMachine creates a Machine over store.
func NewMachine(store Store) *Machine {
	return &Machine{store: store}
}

func (m *Machine) within(ctx context.Context, deviceID string, fn func(Store) error) error {
	if tx, ok := m.store.(TxStore); ok {
		return tx.WithinDevice(ctx, deviceID, fn)
	}
	return fn(m.store)
}

// DeviceState derives the current state of deviceID from the relations.
func (m *Machine) DeviceState(ctx context.Context, deviceID string) (State, error) {
	return deviceState(ctx, m.store, deviceID)
}

func deviceState(ctx context.Context, s Store, deviceID string) (State, error) {
	registered, err := s.IsRegistered(ctx, deviceID)
	if err != nil {
		return StateUnknown, storeFault("is_registered", err)
	}
	if !registered {
		return StateUnknown, nil
	}
	bound, err := s.IsBound(ctx, deviceID)
	if err != nil {
		return StateUnknown, storeFault("is_bound", err)
	}
	if bound {
		return StateBound, nil
	}
	return StateRegistered, nil
}

// RegisterDevice moves an Unknown device to Registered. A device that is
// already registered is rejected with ErrAlreadyRegistered and nothing is
// written.
func (m *Machine) RegisterDevice(ctx context.Context, ev RegistrationEvent) (Transition, error) {
	t := Transition{Kind: EventRegistered, DeviceID: ev.DeviceID}

	err := m.within(ctx, ev.DeviceID, func(s Store) error {
		registered, err := s.IsRegistered(ctx, ev.DeviceID)
		if err != nil {
			return storeFault("is_registered", err)
		}
		if registered {
			t.From, t.To = StateRegistered, StateRegistered
			return reject(EventRegistered, ev.DeviceID, ErrAlreadyRegistered)
		}
		t.From = StateUnknown

		if err := s.InsertRegistry(ctx, ev.DeviceID, ev.VehicleID); err != nil {
			return storeFault("insert_registry", err)
		}
		t.To = StateRegistered
		return nil
	})
	return t, err
}

// SetBinding binds or unbinds a registered device. A truthy flag upserts the
// Binding row (Registered or Bound to Bound); any other flag deletes it
// (Bound or Registered to Registered). Registration is the only
// precondition: unknown devices are rejected with ErrNotRegistered and
// nothing is written.
func (m *Machine) SetBinding(ctx context.Context, ev BindingEvent) (Transition, error) {
	t := Transition{Kind: EventBinding, DeviceID: ev.DeviceID}

	err := m.within(ctx, ev.DeviceID, func(s Store) error {
		registered, err := s.IsRegistered(ctx, ev.DeviceID)
		if err != nil {
			return storeFault("is_registered", err)
		}
		if !registered {
			t.From, t.To = StateUnknown, StateUnknown
			return reject(EventBinding, ev.DeviceID, ErrNotRegistered)
		}
		t.From = priorBindingState(ctx, s, ev.DeviceID)
		t.To = t.From

		if ev.Bind() {
			if err := s.InsertBinding(ctx, ev.DeviceID, ev.OwnerWallet); err != nil {
				return storeFault("insert_binding", err)
			}
			t.To = StateBound
			return nil
		}

		if err := s.DeleteBinding(ctx, ev.DeviceID); err != nil {
			return storeFault("delete_binding", err)
		}
		t.To = StateRegistered
		return nil
	})
	return t, err
}

// priorBindingState reports Bound or Registered for a registered device.
// It only feeds Transition.From, so a failed lookup reads as Registered
// instead of aborting the binding write.
func priorBindingState(ctx context.Context, s Store, deviceID string) State {
	if bound, err := s.IsBound(ctx, deviceID); err == nil && bound {
		return StateBound
	}
	return StateRegistered
}

// IngestData appends a reading for a Bound device. The device must be
// registered and then bound; ErrNotRegistered masks ErrNotBound. State never
// changes.
func (m *Machine) IngestData(ctx context.Context, ev DataEvent) (Transition, error) {
	t := Transition{Kind: EventData, DeviceID: ev.DeviceID}

	err := m.within(ctx, ev.DeviceID, func(s Store) error {
		state, err := deviceState(ctx, s, ev.DeviceID)
		if err != nil {
			return err
		}
		t.From, t.To = state, state

		switch state {
		case StateUnknown:
			return reject(EventData, ev.DeviceID, ErrNotRegistered)
		case StateRegistered:
			return reject(EventData, ev.DeviceID, ErrNotBound)
		}

		if err := s.InsertData(ctx, ev.DeviceID, ev.Payload, ev.Timestamp); err != nil {
			return storeFault("insert_data", err)
		}
		return nil
	})
	return t, err
}
