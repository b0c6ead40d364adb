package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Ingest modes. The mode is a deployment choice, not a per-request one.
const (
	IngestModeDirect = "direct"
	IngestModeQueued = "queued"
)

// RawReading is a reading as submitted by a device, before normalization.
type RawReading struct {
	MeasureType string   `json:"measure_type"`
	FMeasure    *float64 `json:"f_measure"`
	SMeasure    *string  `json:"s_measure"`
	IMeasure    *int64   `json:"i_measure"`
	RecordedAt  string   `json:"recorded_at"`
}

// ReadingEnvelope is the flat wire record shared by the queue transport and
// the consumer. Exactly one value field is meaningful per measure_type.
type ReadingEnvelope struct {
	DeviceID    string   `json:"device_id"`
	MeasureType string   `json:"measure_type"`
	FMeasure    *float64 `json:"f_measure"`
	SMeasure    *string  `json:"s_measure"`
	IMeasure    *int64   `json:"i_measure"`
	RecordedAt  string   `json:"recorded_at"`
}

// Publisher sends an envelope to the measurement queue.
type Publisher interface {
	Publish(ctx context.Context, topic string, message interface{}) error
}

// IngestionService orchestrates one reading through
// authorize -> normalize -> store -> evaluate -> dispatch. In queued mode the
// store/evaluate/dispatch tail is deferred to the consumer via the queue.
type IngestionService struct {
	store      DataStore
	ownership  *OwnershipService
	engine     *RuleEngine
	alerts     *AlertService
	publisher  Publisher
	queueTopic string
	mode       string
	logger     *logrus.Logger
}

func NewIngestionService(store DataStore, ownership *OwnershipService, engine *RuleEngine, alerts *AlertService, publisher Publisher, queueTopic, mode string, logger *logrus.Logger) *IngestionService {
	if mode == "" {
		mode = IngestModeDirect
	}
	return &IngestionService{
		store:      store,
		ownership:  ownership,
		engine:     engine,
		alerts:     alerts,
		publisher:  publisher,
		queueTopic: queueTopic,
		mode:       mode,
		logger:     logger,
	}
}

// Queued reports whether readings are deferred to the queue.
func (s *IngestionService) Queued() bool {
	return s.mode == IngestModeQueued
}

// SubmitWithToken authorizes a reading by its attachment access token and
// submits it for the attached device. A detached or unknown token rejects the
// reading before anything is stored or published.
func (s *IngestionService) SubmitWithToken(ctx context.Context, token string, raw RawReading) (*Measurement, *ReadingEnvelope, error) {
	attachment, err := s.ownership.ResolveByToken(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	return s.SubmitForDevice(ctx, attachment.DeviceID, raw)
}

// SubmitForDevice normalizes a reading and either processes it inline or
// publishes it to the queue. The direct path returns the stored measurement;
// the queued path returns the acknowledged envelope without waiting for
// storage or alerting.
func (s *IngestionService) SubmitForDevice(ctx context.Context, deviceID uint, raw RawReading) (*Measurement, *ReadingEnvelope, error) {
	if _, err := s.store.GetDevice(ctx, deviceID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrDeviceNotFound
		}
		return nil, nil, err
	}

	envelope, err := s.normalize(deviceID, raw)
	if err != nil {
		return nil, nil, err
	}

	if s.Queued() {
		if err := s.publisher.Publish(ctx, s.queueTopic, envelope); err != nil {
			return nil, nil, TransientError{Op: "queue publish", Err: err}
		}
		s.logger.WithFields(logrus.Fields{
			"device_id":    deviceID,
			"measure_type": envelope.MeasureType,
		}).Info("Measurement queued")
		return nil, envelope, nil
	}

	measurement, err := s.Process(ctx, envelope)
	if err != nil {
		return nil, nil, err
	}
	return measurement, envelope, nil
}

// Process is the shared terminal of both paths: store the reading, evaluate
// every rule, fan alerts out to current owners. The three steps commit in one
// transaction so a failure leaves no partial side effects.
func (s *IngestionService) Process(ctx context.Context, envelope *ReadingEnvelope) (*Measurement, error) {
	if envelope.DeviceID == "" || envelope.MeasureType == "" {
		return nil, ValidationError{Reason: "invalid message structure: device_id and measure_type are required"}
	}

	id, err := strconv.ParseUint(envelope.DeviceID, 10, 32)
	if err != nil {
		return nil, ValidationError{Field: "device_id", Reason: fmt.Sprintf("not a device id: %q", envelope.DeviceID)}
	}
	deviceID := uint(id)

	value, err := envelopeValue(envelope)
	if err != nil {
		return nil, err
	}

	measurement, err := buildMeasurement(deviceID, envelope.MeasureType, value, parseRecordedAt(envelope.RecordedAt))
	if err != nil {
		return nil, err
	}

	err = s.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		if _, err := tx.GetDevice(ctx, deviceID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDeviceNotFound
			}
			return err
		}

		if err := tx.CreateMeasurement(ctx, measurement); err != nil {
			return TransientError{Op: "measurement insert", Err: err}
		}

		triggered := s.engine.Evaluate(NewReading(measurement))
		if len(triggered) == 0 {
			return nil
		}

		_, err := s.alerts.dispatch(ctx, tx, deviceID, triggered, &measurement.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"measurement_id": measurement.ID,
		"device_id":      deviceID,
		"measure_type":   measurement.MeasureType,
	}).Info("Measurement processed")

	return measurement, nil
}

// normalize maps a raw reading onto the wire envelope, validating the kind
// and that the populated slot matches it.
func (s *IngestionService) normalize(deviceID uint, raw RawReading) (*ReadingEnvelope, error) {
	if raw.MeasureType == "" {
		return nil, ValidationError{Field: "measure_type", Reason: "required"}
	}
	if !KnownMeasureType(raw.MeasureType) {
		return nil, ValidationError{Field: "measure_type", Reason: fmt.Sprintf("unrecognized kind %q", raw.MeasureType)}
	}

	envelope := &ReadingEnvelope{
		DeviceID:    strconv.FormatUint(uint64(deviceID), 10),
		MeasureType: raw.MeasureType,
		RecordedAt:  raw.RecordedAt,
	}
	if envelope.RecordedAt == "" {
		envelope.RecordedAt = time.Now().Format(time.RFC3339)
	}

	if _, err := envelopeValue(&ReadingEnvelope{
		MeasureType: raw.MeasureType,
		FMeasure:    raw.FMeasure,
		IMeasure:    raw.IMeasure,
	}); err != nil {
		return nil, err
	}

	envelope.FMeasure = raw.FMeasure
	envelope.IMeasure = raw.IMeasure
	envelope.SMeasure = raw.SMeasure
	return envelope, nil
}

// envelopeValue extracts the numeric value implied by the envelope's kind.
// Continuous kinds read the float slot and tolerate an integral slot; battery
// reads the integer slot and tolerates an integer-valued float.
func envelopeValue(envelope *ReadingEnvelope) (float64, error) {
	if floatKinds[envelope.MeasureType] {
		if envelope.FMeasure != nil {
			return *envelope.FMeasure, nil
		}
		if envelope.IMeasure != nil {
			return float64(*envelope.IMeasure), nil
		}
		return 0, ValidationError{Field: "f_measure", Reason: fmt.Sprintf("%s requires a numeric value", envelope.MeasureType)}
	}

	if envelope.IMeasure != nil {
		return float64(*envelope.IMeasure), nil
	}
	if envelope.FMeasure != nil {
		return *envelope.FMeasure, nil
	}
	return 0, ValidationError{Field: "i_measure", Reason: fmt.Sprintf("%s requires an integer value", envelope.MeasureType)}
}

// parseRecordedAt accepts the caller-supplied timestamp when it parses as
// RFC 3339 and falls back to receipt time otherwise.
func parseRecordedAt(value string) time.Time {
	if value == "" {
		return time.Now()
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Now()
	}
	return t
}
