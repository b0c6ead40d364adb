package core

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// DataStore defines the interface for data access operations.
type DataStore interface {
	// User operations
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id uint) (*User, error)

	// Device operations
	CreateDevice(ctx context.Context, device *Device) error
	UpdateDevice(ctx context.Context, device *Device) error
	GetDevice(ctx context.Context, id uint) (*Device, error)
	GetDeviceByIdentifier(ctx context.Context, identifier string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	SoftDeleteDevice(ctx context.Context, id uint) error
	PurgeDevice(ctx context.Context, id uint) error

	// Attachment operations
	CreateAttachment(ctx context.Context, attachment *Attachment) error
	GetAttachment(ctx context.Context, id uint) (*Attachment, error)
	GetActiveAttachmentByToken(ctx context.Context, token string) (*Attachment, error)
	GetAttachmentByToken(ctx context.Context, token string) (*Attachment, error)
	ListDeviceAttachments(ctx context.Context, deviceID uint) ([]*Attachment, error)
	ListActiveAttachmentsForDevice(ctx context.Context, deviceID uint) ([]*Attachment, error)
	ListActiveAttachmentsForUser(ctx context.Context, userID uint) ([]*Attachment, error)
	CloseAttachment(ctx context.Context, id uint, at time.Time) (int64, error)

	// Measurement operations
	CreateMeasurement(ctx context.Context, measurement *Measurement) error
	GetMeasurement(ctx context.Context, id uint) (*Measurement, error)
	ListDeviceMeasurements(ctx context.Context, deviceID uint, limit, offset int) ([]*Measurement, error)

	// Alert operations
	CreateAlert(ctx context.Context, alert *Alert) error
	GetAlert(ctx context.Context, id uint) (*Alert, error)
	ListUserAlerts(ctx context.Context, userID uint, unreadOnly bool, limit, offset int) ([]*Alert, error)
	MarkAlertRead(ctx context.Context, id uint) error

	// Transaction support
	WithTransaction(ctx context.Context, fn func(context.Context, DataStore) error) error
}

type dataStore struct {
	db *gorm.DB
}

// NewDataStore wraps a gorm connection in the DataStore interface.
func NewDataStore(db *gorm.DB) DataStore {
	return &dataStore{db: db}
}

func (r *dataStore) WithTransaction(ctx context.Context, fn func(c context.Context, s DataStore) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewDataStore(tx))
	})
}

func (r *dataStore) CreateUser(ctx context.Context, u *User) error {
	return r.db.WithContext(ctx).Create(u).Error
}

func (r *dataStore) GetUser(ctx context.Context, id uint) (*User, error) {
	var u User
	return &u, r.db.WithContext(ctx).First(&u, id).Error
}

func (r *dataStore) CreateDevice(ctx context.Context, d *Device) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *dataStore) UpdateDevice(ctx context.Context, d *Device) error {
	return r.db.WithContext(ctx).Save(d).Error
}

func (r *dataStore) GetDevice(ctx context.Context, id uint) (*Device, error) {
	var d Device
	return &d, r.db.WithContext(ctx).First(&d, id).Error
}

func (r *dataStore) GetDeviceByIdentifier(ctx context.Context, identifier string) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).Where("device_identifier = ?", identifier).First(&d).Error
	return &d, err
}

func (r *dataStore) ListDevices(ctx context.Context) ([]*Device, error) {
	var devices []*Device
	return devices, r.db.WithContext(ctx).Order("id").Find(&devices).Error
}

func (r *dataStore) SoftDeleteDevice(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&Device{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// PurgeDevice physically removes a device together with its measurements and
// detaches the measurement back-reference on alerts, all in one transaction.
func (r *dataStore) PurgeDevice(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Alert{}).
			Where("measurement_id IN (?)", tx.Model(&Measurement{}).Select("id").Where("device_id = ?", id)).
			Update("measurement_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Where("device_id = ?", id).Delete(&Measurement{}).Error; err != nil {
			return err
		}
		res := tx.Unscoped().Delete(&Device{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (r *dataStore) CreateAttachment(ctx context.Context, a *Attachment) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *dataStore) GetAttachment(ctx context.Context, id uint) (*Attachment, error) {
	var a Attachment
	return &a, r.db.WithContext(ctx).First(&a, id).Error
}

func (r *dataStore) GetActiveAttachmentByToken(ctx context.Context, token string) (*Attachment, error) {
	var a Attachment
	err := r.db.WithContext(ctx).
		Where("access_token = ? AND detached_at IS NULL", token).
		First(&a).Error
	return &a, err
}

// GetAttachmentByToken matches the token regardless of detach state; the
// access_token index is unique across the whole ledger, detached rows included.
func (r *dataStore) GetAttachmentByToken(ctx context.Context, token string) (*Attachment, error) {
	var a Attachment
	err := r.db.WithContext(ctx).
		Where("access_token = ?", token).
		First(&a).Error
	return &a, err
}

func (r *dataStore) ListDeviceAttachments(ctx context.Context, deviceID uint) ([]*Attachment, error) {
	var attachments []*Attachment
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("attached_at").
		Find(&attachments).Error
	return attachments, err
}

func (r *dataStore) ListActiveAttachmentsForDevice(ctx context.Context, deviceID uint) ([]*Attachment, error) {
	var attachments []*Attachment
	err := r.db.WithContext(ctx).
		Preload("User").
		Where("device_id = ? AND detached_at IS NULL", deviceID).
		Find(&attachments).Error
	return attachments, err
}

func (r *dataStore) ListActiveAttachmentsForUser(ctx context.Context, userID uint) ([]*Attachment, error) {
	var attachments []*Attachment
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND detached_at IS NULL", userID).
		Find(&attachments).Error
	return attachments, err
}

// CloseAttachment sets the detach timestamp iff it is still null. The caller
// inspects the affected-row count to distinguish already-detached rows; the
// guard makes the transition one-way under row-level locking.
func (r *dataStore) CloseAttachment(ctx context.Context, id uint, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Attachment{}).
		Where("id = ? AND detached_at IS NULL", id).
		Update("detached_at", at)
	return res.RowsAffected, res.Error
}

func (r *dataStore) CreateMeasurement(ctx context.Context, m *Measurement) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *dataStore) GetMeasurement(ctx context.Context, id uint) (*Measurement, error) {
	var m Measurement
	return &m, r.db.WithContext(ctx).First(&m, id).Error
}

func (r *dataStore) ListDeviceMeasurements(ctx context.Context, deviceID uint, limit, offset int) ([]*Measurement, error) {
	var measurements []*Measurement
	q := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("recorded_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	return measurements, q.Find(&measurements).Error
}

func (r *dataStore) CreateAlert(ctx context.Context, a *Alert) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *dataStore) GetAlert(ctx context.Context, id uint) (*Alert, error) {
	var a Alert
	return &a, r.db.WithContext(ctx).First(&a, id).Error
}

func (r *dataStore) ListUserAlerts(ctx context.Context, userID uint, unreadOnly bool, limit, offset int) ([]*Alert, error) {
	var alerts []*Alert
	q := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("triggered_at DESC")
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	return alerts, q.Find(&alerts).Error
}

func (r *dataStore) MarkAlertRead(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Model(&Alert{}).
		Where("id = ?", id).
		Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
