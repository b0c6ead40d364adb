package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MeasurementService is the append-only store of sensor readings.
type MeasurementService struct {
	store  DataStore
	logger *logrus.Logger
}

func NewMeasurementService(store DataStore, logger *logrus.Logger) *MeasurementService {
	return &MeasurementService{
		store:  store,
		logger: logger,
	}
}

// Record validates and inserts one reading. There is no update path; a stored
// measurement is immutable.
func (s *MeasurementService) Record(ctx context.Context, deviceID uint, measureType string, value float64, recordedAt time.Time) (*Measurement, error) {
	measurement, err := buildMeasurement(deviceID, measureType, value, recordedAt)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateMeasurement(ctx, measurement); err != nil {
		return nil, TransientError{Op: "measurement insert", Err: err}
	}

	s.logger.WithFields(logrus.Fields{
		"measurement_id": measurement.ID,
		"device_id":      deviceID,
		"measure_type":   measureType,
	}).Info("Measurement stored")

	return measurement, nil
}

// ForDevice lists a device's readings, newest first by recorded_at.
func (s *MeasurementService) ForDevice(ctx context.Context, deviceID uint, limit, offset int) ([]*Measurement, error) {
	if _, err := s.store.GetDevice(ctx, deviceID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return s.store.ListDeviceMeasurements(ctx, deviceID, limit, offset)
}

// buildMeasurement maps a (kind, value) pair onto the typed slot the kind
// implies. Continuous kinds use the float slot; battery requires an
// integer-coercible value and uses the integer slot.
func buildMeasurement(deviceID uint, measureType string, value float64, recordedAt time.Time) (*Measurement, error) {
	if !KnownMeasureType(measureType) {
		return nil, ValidationError{Field: "measure_type", Reason: fmt.Sprintf("unrecognized kind %q", measureType)}
	}

	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	m := &Measurement{
		DeviceID:    deviceID,
		MeasureType: measureType,
		RecordedAt:  recordedAt,
	}

	if floatKinds[measureType] {
		v := value
		m.FMeasure = &v
		return m, nil
	}

	if value != math.Trunc(value) {
		return nil, ValidationError{Field: "i_measure", Reason: fmt.Sprintf("%s requires an integer value, got %v", measureType, value)}
	}
	iv := int64(value)
	m.IMeasure = &iv
	return m, nil
}
