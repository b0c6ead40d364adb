package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterGeneratesIdentifier(t *testing.T) {
	store := newTestStore(t)
	devices := NewDeviceService(store, testLogger())

	device := &Device{Name: "thermostat"}
	require.NoError(t, devices.Register(context.Background(), device))
	assert.NotEmpty(t, device.DeviceIdentifier)
	assert.NotZero(t, device.ID)
}

func TestRegisterRejectsDuplicatesAndBlanks(t *testing.T) {
	store := newTestStore(t)
	devices := NewDeviceService(store, testLogger())

	require.NoError(t, devices.Register(context.Background(), &Device{Name: "thermostat", DeviceIdentifier: "t-100"}))

	err := devices.Register(context.Background(), &Device{Name: "other", DeviceIdentifier: "t-100"})
	assert.ErrorIs(t, err, ErrDeviceAlreadyExists)

	err = devices.Register(context.Background(), &Device{DeviceIdentifier: "t-101"})
	assert.True(t, IsValidation(err))
}

func TestUpdateMetadataKeepsIdentifier(t *testing.T) {
	store := newTestStore(t)
	devices := NewDeviceService(store, testLogger())

	device := &Device{Name: "thermostat", DeviceIdentifier: "t-100"}
	require.NoError(t, devices.Register(context.Background(), device))

	updated, err := devices.UpdateMetadata(context.Background(), device.ID, "", "Acme", "hallway unit")
	require.NoError(t, err)
	assert.Equal(t, "thermostat", updated.Name)
	assert.Equal(t, "Acme", updated.Manufacturer)
	assert.Equal(t, "hallway unit", updated.Description)
	assert.Equal(t, "t-100", updated.DeviceIdentifier)

	_, err = devices.UpdateMetadata(context.Background(), 999, "x", "", "")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestRemoveSoftDeletes(t *testing.T) {
	store := newTestStore(t)
	devices := NewDeviceService(store, testLogger())
	measurements := NewMeasurementService(store, testLogger())

	device := &Device{Name: "thermostat"}
	require.NoError(t, devices.Register(context.Background(), device))

	m, err := measurements.Record(context.Background(), device.ID, MeasureTypeTemperature, 21, time.Now())
	require.NoError(t, err)

	require.NoError(t, devices.Remove(context.Background(), device.ID))

	_, err = devices.Get(context.Background(), device.ID)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	// Measurements survive the soft delete.
	_, err = store.GetMeasurement(context.Background(), m.ID)
	assert.NoError(t, err)

	assert.ErrorIs(t, devices.Remove(context.Background(), 999), ErrDeviceNotFound)
}

func TestPurgeCascades(t *testing.T) {
	store := newTestStore(t)
	ownership := NewOwnershipService(store, nil, testLogger())
	devices := NewDeviceService(store, testLogger())
	measurements := NewMeasurementService(store, testLogger())
	alerts := NewAlertService(store, testLogger())

	alice := seedUser(t, store, "alice")
	device := &Device{Name: "thermostat"}
	require.NoError(t, devices.Register(context.Background(), device))
	seedAttachment(t, store, ownership, alice.ID, device.ID)

	m, err := measurements.Record(context.Background(), device.ID, MeasureTypeTemperature, -5, time.Now())
	require.NoError(t, err)

	created, err := alerts.Dispatch(context.Background(), device.ID,
		[]TriggeredRule{{TypeTag: "temperature_threshold", Severity: SeverityHigh, Message: "too cold"}},
		&m.ID)
	require.NoError(t, err)
	require.Len(t, created, 1)

	require.NoError(t, devices.Purge(context.Background(), device.ID))

	_, err = store.GetMeasurement(context.Background(), m.ID)
	assert.Error(t, err)

	// The alert row survives but its measurement back-reference is cleared.
	alert, err := store.GetAlert(context.Background(), created[0].ID)
	require.NoError(t, err)
	assert.Nil(t, alert.MeasurementID)

	// A second purge finds no device row.
	assert.ErrorIs(t, devices.Purge(context.Background(), device.ID), ErrDeviceNotFound)
}

func TestPurgeUnknownDevice(t *testing.T) {
	store := newTestStore(t)
	devices := NewDeviceService(store, testLogger())

	assert.ErrorIs(t, devices.Purge(context.Background(), 999), ErrDeviceNotFound)
}
