package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DeviceService manages the device registry and its lifecycle. Identity is
// immutable; metadata is not. Removal is soft so historical attachments and
// alerts stay resolvable until an explicit purge.
type DeviceService struct {
	store  DataStore
	logger *logrus.Logger
}

func NewDeviceService(store DataStore, logger *logrus.Logger) *DeviceService {
	return &DeviceService{
		store:  store,
		logger: logger,
	}
}

func (s *DeviceService) Register(ctx context.Context, device *Device) error {
	if device.DeviceIdentifier == "" {
		device.DeviceIdentifier = uuid.New().String()
	}
	if device.Name == "" {
		return ValidationError{Field: "name", Reason: "required"}
	}

	existing, err := s.store.GetDeviceByIdentifier(ctx, device.DeviceIdentifier)
	if err == nil && existing != nil {
		return ErrDeviceAlreadyExists
	}

	if err := s.store.CreateDevice(ctx, device); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDeviceAlreadyExists
		}
		return fmt.Errorf("failed to register device: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"device_id":         device.ID,
		"device_identifier": device.DeviceIdentifier,
	}).Info("Device registered")
	return nil
}

func (s *DeviceService) Get(ctx context.Context, id uint) (*Device, error) {
	device, err := s.store.GetDevice(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return device, nil
}

func (s *DeviceService) List(ctx context.Context) ([]*Device, error) {
	return s.store.ListDevices(ctx)
}

// UpdateMetadata changes the mutable descriptive fields only; the external
// identifier never changes.
func (s *DeviceService) UpdateMetadata(ctx context.Context, id uint, name, manufacturer, description string) (*Device, error) {
	device, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if name != "" {
		device.Name = name
	}
	if manufacturer != "" {
		device.Manufacturer = manufacturer
	}
	if description != "" {
		device.Description = description
	}

	if err := s.store.UpdateDevice(ctx, device); err != nil {
		return nil, err
	}
	return device, nil
}

// Remove soft-deletes the device. Measurements, attachments and alerts keep
// their references until Purge.
func (s *DeviceService) Remove(ctx context.Context, id uint) error {
	err := s.store.SoftDeleteDevice(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrDeviceNotFound
	}
	if err == nil {
		s.logger.WithField("device_id", id).Info("Device removed")
	}
	return err
}

// Purge physically deletes the device, cascades deletion to its measurements
// and nulls the measurement back-reference on alerts, transactionally.
func (s *DeviceService) Purge(ctx context.Context, id uint) error {
	if err := s.store.PurgeDevice(ctx, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDeviceNotFound
		}
		return err
	}
	s.logger.WithField("device_id", id).Warn("Device purged")
	return nil
}
