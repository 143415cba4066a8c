package pebble

import (
	"errors"
	"fmt"
)

// Wire field names, fixed per event kind and checked in this order.
const (
	FieldDeviceID    = "pebbleId"
	FieldVehicleID   = "vehicleId"
	FieldWallet      = "wallet"
	FieldBindingFlag = "isBound"
	FieldMessage     = "message"
	FieldTimestamp   = "timestamp"
)

var (
	registrationFields = []string{FieldDeviceID, FieldVehicleID}
	bindingFields      = []string{FieldDeviceID, FieldWallet, FieldBindingFlag}
	dataFields         = []string{FieldDeviceID, FieldMessage, FieldTimestamp}
)

var errNotRecord = errors.New("top level is not a record")

// Decoder turns raw payload bytes into event records. It is pure and safe
// for concurrent use.
type Decoder struct {
	codec Codec
}

// NewDecoder returns a Decoder for codec. A nil codec means JSON.
func NewDecoder(codec Codec) *Decoder {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Decoder{codec: codec}
}

// Codec returns the codec the decoder parses with.
func (d *Decoder) Codec() Codec {
	return d.codec
}

// DecodeRegistration extracts a RegistrationEvent.
func (d *Decoder) DecodeRegistration(raw []byte) (RegistrationEvent, error) {
	f, err := d.fields(raw, registrationFields)
	if err != nil {
		return RegistrationEvent{}, err
	}
	return RegistrationEvent{DeviceID: f[0], VehicleID: f[1]}, nil
}

// DecodeBinding extracts a BindingEvent.
func (d *Decoder) DecodeBinding(raw []byte) (BindingEvent, error) {
	f, err := d.fields(raw, bindingFields)
	if err != nil {
		return BindingEvent{}, err
	}
	return BindingEvent{DeviceID: f[0], OwnerWallet: f[1], BindingFlag: f[2]}, nil
}

// DecodeData extracts a DataEvent.
func (d *Decoder) DecodeData(raw []byte) (DataEvent, error) {
	f, err := d.fields(raw, dataFields)
	if err != nil {
		return DataEvent{}, err
	}
	return DataEvent{DeviceID: f[0], Payload: f[1], Timestamp: f[2]}, nil
}

// DeviceID extracts only the device id, for labelling events whose full
// decode failed. It returns "" if the id cannot be read.
func (d *Decoder) DeviceID(raw []byte) string {
	f, err := d.fields(raw, registrationFields[:1])
	if err != nil {
		return ""
	}
	return f[0]
}

// fields parses raw and returns the named string fields in order. The first
// absent or non-string field aborts with a MissingFieldError.
func (d *Decoder) fields(raw []byte, names []string) ([]string, error) {
	v, err := d.codec.Decode(raw)
	if err != nil {
		return nil, &DecodeError{Codec: d.codec.Name(), Err: err}
	}
	record, ok := v.(map[string]any)
	if !ok {
		return nil, &DecodeError{Codec: d.codec.Name(), Err: fmt.Errorf("%w: got %T", errNotRecord, v)}
	}

	out := make([]string, len(names))
	for i, name := range names {
		s, ok := record[name].(string)
		if !ok {
			return nil, &MissingFieldError{Field: name}
		}
		out[i] = s
	}
	return out, nil
}

// EncodeRegistration renders ev in the decoder's wire encoding.
func (d *Decoder) EncodeRegistration(ev RegistrationEvent) ([]byte, error) {
	return d.codec.Encode(map[string]string{
		FieldDeviceID:  ev.DeviceID,
		FieldVehicleID: ev.VehicleID,
	})
}

// EncodeBinding renders ev in the decoder's wire encoding.
func (d *Decoder) EncodeBinding(ev BindingEvent) ([]byte, error) {
	return d.codec.Encode(map[string]string{
		FieldDeviceID:    ev.DeviceID,
		FieldWallet:      ev.OwnerWallet,
		FieldBindingFlag: ev.BindingFlag,
	})
}

// EncodeData renders ev in the decoder's wire encoding.
func (d *Decoder) EncodeData(ev DataEvent) ([]byte, error) {
	return d.codec.Encode(map[string]string{
		FieldDeviceID:  ev.DeviceID,
		FieldMessage:   ev.Payload,
		FieldTimestamp: ev.Timestamp,
	})
}
