package core

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AlertService turns triggered rules into per-owner alert rows and serves the
// alert inbox.
type AlertService struct {
	store  DataStore
	logger *logrus.Logger
}

func NewAlertService(store DataStore, logger *logrus.Logger) *AlertService {
	return &AlertService{
		store:  store,
		logger: logger,
	}
}

// Dispatch fans triggered rules out to the device's current owners: one alert
// per (rule, owner) pair. An unowned device is informational, not an error;
// devices may be briefly unowned between attachments.
func (s *AlertService) Dispatch(ctx context.Context, deviceID uint, triggered []TriggeredRule, measurementID *uint) ([]*Alert, error) {
	return s.dispatch(ctx, s.store, deviceID, triggered, measurementID)
}

// dispatch is the transaction-aware implementation: the ingestion coordinator
// calls it with its transaction-scoped store so alerts commit atomically with
// the measurement.
func (s *AlertService) dispatch(ctx context.Context, store DataStore, deviceID uint, triggered []TriggeredRule, measurementID *uint) ([]*Alert, error) {
	if len(triggered) == 0 {
		return nil, nil
	}

	attachments, err := store.ListActiveAttachmentsForDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if len(attachments) == 0 {
		s.logger.WithField("device_id", deviceID).Info("No active owners for device, skipping alerts")
		return nil, nil
	}

	now := time.Now()
	alerts := make([]*Alert, 0, len(triggered)*len(attachments))
	for _, rule := range triggered {
		for _, attachment := range attachments {
			alert := &Alert{
				UserID:        attachment.UserID,
				DeviceID:      deviceID,
				AlertType:     rule.TypeTag,
				Message:       rule.Message,
				MeasurementID: measurementID,
				Severity:      rule.Severity,
				TriggeredAt:   now,
				IsRead:        false,
			}
			if err := store.CreateAlert(ctx, alert); err != nil {
				return nil, TransientError{Op: "alert insert", Err: err}
			}

			s.logger.WithFields(logrus.Fields{
				"alert_id":   alert.ID,
				"user_id":    attachment.UserID,
				"device_id":  deviceID,
				"alert_type": rule.TypeTag,
				"severity":   rule.Severity,
			}).Info("Alert created")

			alerts = append(alerts, alert)
		}
	}

	return alerts, nil
}

// ListForUser returns a user's alerts, newest first.
func (s *AlertService) ListForUser(ctx context.Context, userID uint, unreadOnly bool, limit, offset int) ([]*Alert, error) {
	return s.store.ListUserAlerts(ctx, userID, unreadOnly, limit, offset)
}

// MarkRead flips the read flag. The transition is monotonic; marking an
// already-read alert is a no-op.
func (s *AlertService) MarkRead(ctx context.Context, alertID uint) error {
	err := s.store.MarkAlertRead(ctx, alertID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrAlertNotFound
	}
	return err
}
