// services/sensor/internal/core/models.go
package core

import (
	"time"

	"gorm.io/gorm"
)

// User is the owner side of an attachment. Account management lives in a
// separate service; this row only exists as the foreign-key target for
// attachments and alerts.
type User struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"not null"`
	Email     string    `json:"email" gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Device represents a physical sensor device. Soft-deleted devices stay
// resolvable through historical attachments and alerts until purged.
type Device struct {
	ID               uint           `json:"id" gorm:"primaryKey"`
	DeviceIdentifier string         `json:"device_identifier" gorm:"uniqueIndex;not null"`
	Name             string         `json:"name" gorm:"not null"`
	Manufacturer     string         `json:"manufacturer"`
	Description      string         `json:"description"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// Attachment is one interval during which a user held a device. The partial
// unique index keeps at most one open interval per device; closed intervals
// are never reopened, a new row is created instead.
type Attachment struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	UserID      uint       `json:"user_id" gorm:"index;not null"`
	DeviceID    uint       `json:"device_id" gorm:"not null;uniqueIndex:uq_attachments_active,where:detached_at IS NULL"`
	AccessToken string     `json:"access_token" gorm:"uniqueIndex;not null"`
	AttachedAt  time.Time  `json:"attached_at" gorm:"not null"`
	DetachedAt  *time.Time `json:"detached_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	User        User       `json:"-" gorm:"foreignKey:UserID"`
	Device      Device     `json:"-" gorm:"foreignKey:DeviceID"`
}

// Active reports whether the attachment is the device's current ownership
// interval.
func (a *Attachment) Active() bool {
	return a.DetachedAt == nil
}

// Measurement is one immutable sensor reading. Exactly one value slot is
// populated, selected by MeasureType.
type Measurement struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	DeviceID    uint      `json:"device_id" gorm:"index;not null"`
	MeasureType string    `json:"measure_type" gorm:"index;not null"`
	FMeasure    *float64  `json:"f_measure"`
	SMeasure    *string   `json:"s_measure"`
	IMeasure    *int64    `json:"i_measure"`
	RecordedAt  time.Time `json:"recorded_at" gorm:"index;not null"`
	CreatedAt   time.Time `json:"created_at"`
	Device      Device    `json:"-" gorm:"foreignKey:DeviceID"`
}

// Alert is one notification raised for one owner by one triggered rule.
type Alert struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	UserID        uint      `json:"user_id" gorm:"index;not null"`
	DeviceID      uint      `json:"device_id" gorm:"index;not null"`
	AlertType     string    `json:"alert_type" gorm:"index;not null"`
	Message       string    `json:"message" gorm:"not null"`
	MeasurementID *uint     `json:"measurement_id"`
	Severity      string    `json:"severity" gorm:"not null"`
	TriggeredAt   time.Time `json:"triggered_at" gorm:"not null"`
	IsRead        bool      `json:"is_read" gorm:"default:false;index"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName overrides for GORM
func (User) TableName() string        { return "users" }
func (Device) TableName() string      { return "devices" }
func (Attachment) TableName() string  { return "attachments" }
func (Measurement) TableName() string { return "measurements" }
func (Alert) TableName() string       { return "alerts" }

// Measurement kinds. Continuous physical quantities carry the float slot,
// battery carries an integer percentage, the string slot is reserved for
// future free-form kinds.
const (
	MeasureTypeTemperature = "temperature"
	MeasureTypeHumidity    = "humidity"
	MeasureTypeBattery     = "battery"
	MeasureTypePressure    = "pressure"
)

// Severity levels for alerts.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// floatKinds maps each measurement kind to whether its value lives in the
// float slot. Battery is the one integer kind.
var floatKinds = map[string]bool{
	MeasureTypeTemperature: true,
	MeasureTypeHumidity:    true,
	MeasureTypePressure:    true,
	MeasureTypeBattery:     false,
}

// KnownMeasureType reports whether t is a recognized measurement kind.
func KnownMeasureType(t string) bool {
	_, ok := floatKinds[t]
	return ok
}

// Value returns the populated slot as a float64, coercing the integer slot.
// The second result is false when no numeric slot is set.
func (m *Measurement) Value() (float64, bool) {
	switch {
	case m.FMeasure != nil:
		return *m.FMeasure, true
	case m.IMeasure != nil:
		return float64(*m.IMeasure), true
	default:
		return 0, false
	}
}
