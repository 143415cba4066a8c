package pebble

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_RegisterDevice(t *testing.T) {
	store, db := newTestStore(t)
	m := NewMachine(store)
	ctx := context.Background()

	tr, err := m.RegisterDevice(ctx, RegistrationEvent{DeviceID: "dev1", VehicleID: "veh1"})
	require.NoError(t, err)
	assert.Equal(t, Transition{Kind: EventRegistered, DeviceID: "dev1", From: StateUnknown, To: StateRegistered}, tr)
	assert.True(t, tr.Changed())

	// Second registration is rejected, not absorbed
	tr, err = m.RegisterDevice(ctx, RegistrationEvent{DeviceID: "dev1", VehicleID: "veh2"})
	require.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.Equal(t, ErrorKindPrecondition, KindOf(err))
	assert.False(t, tr.Changed())

	assert.Equal(t, 1, countRows(t, db, "deviceregistry", "dev1"))
	reg, err := store.Registration(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, "veh1", reg.VehicleID)
}

func TestMachine_SetBinding(t *testing.T) {
	tests := []struct {
		name      string
		register  bool
		bindFirst bool
		flag      string
		wantErr   error
		wantFrom  State
		wantTo    State
	}{
		{name: "bind registered", register: true, flag: "true", wantFrom: StateRegistered, wantTo: StateBound},
		{name: "bind with True", register: true, flag: "True", wantFrom: StateRegistered, wantTo: StateBound},
		{name: "rebind bound", register: true, bindFirst: true, flag: "true", wantFrom: StateBound, wantTo: StateBound},
		{name: "unbind bound", register: true, bindFirst: true, flag: "false", wantFrom: StateBound, wantTo: StateRegistered},
		{name: "unbind registered is no-op", register: true, flag: "false", wantFrom: StateRegistered, wantTo: StateRegistered},
		{name: "garbage flag unbinds", register: true, bindFirst: true, flag: "yes", wantFrom: StateBound, wantTo: StateRegistered},
		{name: "bind unknown rejected", flag: "true", wantErr: ErrNotRegistered, wantFrom: StateUnknown, wantTo: StateUnknown},
		{name: "unbind unknown rejected", flag: "false", wantErr: ErrNotRegistered, wantFrom: StateUnknown, wantTo: StateUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, db := newTestStore(t)
			m := NewMachine(store)
			ctx := context.Background()

			if tt.register {
				_, err := m.RegisterDevice(ctx, RegistrationEvent{DeviceID: "dev1", VehicleID: "veh1"})
				require.NoError(t, err)
			}
			if tt.bindFirst {
				_, err := m.SetBinding(ctx, BindingEvent{DeviceID: "dev1", OwnerWallet: "0xold", BindingFlag: "true"})
				require.NoError(t, err)
			}

			tr, err := m.SetBinding(ctx, BindingEvent{DeviceID: "dev1", OwnerWallet: "0xabc", BindingFlag: tt.flag})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, 0, countRows(t, db, "devicebinding", "dev1"), "rejection must not write")
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantFrom, tr.From)
			assert.Equal(t, tt.wantTo, tr.To)

			state, err := m.DeviceState(ctx, "dev1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantTo, state)

			if tt.wantTo == StateBound {
				b, err := store.Binding(ctx, "dev1")
				require.NoError(t, err)
				assert.Equal(t, "0xabc", b.OwnerWallet)
			}
		})
	}
}

func TestMachine_IngestData(t *testing.T) {
	tests := []struct {
		name    string
		state   State
		wantErr error
	}{
		{name: "unknown", state: StateUnknown, wantErr: ErrNotRegistered},
		{name: "registered", state: StateRegistered, wantErr: ErrNotBound},
		{name: "bound", state: StateBound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, db := newTestStore(t)
			m := NewMachine(store)
			ctx := context.Background()

			if tt.state >= StateRegistered {
				_, err := m.RegisterDevice(ctx, RegistrationEvent{DeviceID: "dev1", VehicleID: "veh1"})
				require.NoError(t, err)
			}
			if tt.state == StateBound {
				_, err := m.SetBinding(ctx, BindingEvent{DeviceID: "dev1", OwnerWallet: "0xabc", BindingFlag: "true"})
				require.NoError(t, err)
			}

			tr, err := m.IngestData(ctx, DataEvent{DeviceID: "dev1", Payload: "42", Timestamp: "100"})
			assert.Equal(t, tt.state, tr.From)
			assert.Equal(t, tt.state, tr.To)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, 0, countRows(t, db, "devicedata", "dev1"))
				return
			}
			require.NoError(t, err)
			readings, err := store.Readings(ctx, "dev1", 10)
			require.NoError(t, err)
			require.Len(t, readings, 1)
			assert.Equal(t, "42", readings[0].Data)
			assert.Equal(t, "100", readings[0].Timestamp)
		})
	}
}

func TestMachine_IngestDataRegistrationMasksBinding(t *testing.T) {
	// Bound without registered can only happen through direct store writes;
	// the registration check still comes first.
	store := newFakeStore()
	store.bound["dev1"] = "0xabc"
	m := NewMachine(store)

	_, err := m.IngestData(context.Background(), DataEvent{DeviceID: "dev1", Payload: "42", Timestamp: "100"})
	require.ErrorIs(t, err, ErrNotRegistered)
	assert.NotErrorIs(t, err, ErrNotBound)
	assert.Zero(t, store.writeCount())
}

func TestMachine_StoreFaults(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		failOn string
		setup  func(*fakeStore)
		run    func(*Machine) error
	}{
		{
			name:   "register check",
			failOn: "is_registered",
			run: func(m *Machine) error {
				_, err := m.RegisterDevice(ctx, RegistrationEvent{DeviceID: "dev1", VehicleID: "veh1"})
				return err
			},
		},
		{
			name:   "register insert",
			failOn: "insert_registry",
			run: func(m *Machine) error {
				_, err := m.RegisterDevice(ctx, RegistrationEvent{DeviceID: "dev1", VehicleID: "veh1"})
				return err
			},
		},
		{
			name:   "binding check",
			failOn: "is_registered",
			run: func(m *Machine) error {
				_, err := m.SetBinding(ctx, BindingEvent{DeviceID: "dev1", OwnerWallet: "0xabc", BindingFlag: "true"})
				return err
			},
		},
		{
			name:   "binding insert",
			failOn: "insert_binding",
			setup:  func(f *fakeStore) { f.registered["dev1"] = "veh1" },
			run: func(m *Machine) error {
				_, err := m.SetBinding(ctx, BindingEvent{DeviceID: "dev1", OwnerWallet: "0xabc", BindingFlag: "true"})
				return err
			},
		},
		{
			name:   "unbind delete",
			failOn: "delete_binding",
			setup:  func(f *fakeStore) { f.registered["dev1"] = "veh1" },
			run: func(m *Machine) error {
				_, err := m.SetBinding(ctx, BindingEvent{DeviceID: "dev1", BindingFlag: "false"})
				return err
			},
		},
		{
			name:   "data bound check",
			failOn: "is_bound",
			setup:  func(f *fakeStore) { f.registered["dev1"] = "veh1" },
			run: func(m *Machine) error {
				_, err := m.IngestData(ctx, DataEvent{DeviceID: "dev1", Payload: "42", Timestamp: "100"})
				return err
			},
		},
		{
			name:   "data insert",
			failOn: "insert_data",
			setup: func(f *fakeStore) {
				f.registered["dev1"] = "veh1"
				f.bound["dev1"] = "0xabc"
			},
			run: func(m *Machine) error {
				_, err := m.IngestData(ctx, DataEvent{DeviceID: "dev1", Payload: "42", Timestamp: "100"})
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			if tt.setup != nil {
				tt.setup(store)
			}
			store.failOn(tt.failOn)

			err := tt.run(NewMachine(store))

			var se *StoreError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.failOn, se.Op)
			assert.ErrorIs(t, err, errInjected)
			assert.Equal(t, ErrorKindStore, KindOf(err))
			assert.NotErrorIs(t, err, ErrPreconditionRejected)
			assert.Zero(t, store.writeCount(), "a fault must not be followed by a write")
		})
	}
}

func TestMachine_SetBindingIgnoresBindingLookupFault(t *testing.T) {
	ctx := context.Background()

	for _, flag := range []string{"true", "false"} {
		t.Run("flag "+flag, func(t *testing.T) {
			store := newFakeStore()
			store.registered["dev1"] = "veh1"
			store.failOn("is_bound")

			tr, err := NewMachine(store).SetBinding(ctx, BindingEvent{DeviceID: "dev1", OwnerWallet: "0xabc", BindingFlag: flag})

			require.NoError(t, err)
			assert.Equal(t, 1, store.writeCount())
			assert.Equal(t, StateRegistered, tr.From)
			if flag == "true" {
				assert.Equal(t, StateBound, tr.To)
				assert.Equal(t, "0xabc", store.bound["dev1"])
			} else {
				assert.Equal(t, StateRegistered, tr.To)
			}
		})
	}
}

func TestMachine_SetBindingReportsPriorBinding(t *testing.T) {
	store := newFakeStore()
	store.registered["dev1"] = "veh1"
	store.bound["dev1"] = "0xold"

	tr, err := NewMachine(store).SetBinding(context.Background(), BindingEvent{DeviceID: "dev1", BindingFlag: "false"})

	require.NoError(t, err)
	assert.Equal(t, StateBound, tr.From)
	assert.Equal(t, StateRegistered, tr.To)
	assert.NotContains(t, store.bound, "dev1")
}

func TestMachine_DeviceState(t *testing.T) {
	store := newFakeStore()
	m := NewMachine(store)
	ctx := context.Background()

	state, err := m.DeviceState(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, state)

	store.registered["dev1"] = "veh1"
	state, err = m.DeviceState(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, state)

	store.bound["dev1"] = "0xabc"
	state, err = m.DeviceState(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, StateBound, state)
	assert.Equal(t, "bound", state.String())

	store.failOn("is_bound")
	_, err = m.DeviceState(ctx, "dev1")
	assert.ErrorIs(t, err, ErrStore)
}
