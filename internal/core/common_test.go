package core

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// newTestStore opens a per-test in-memory database with the full schema
// migrated. TranslateError keeps unique-constraint failures visible as
// gorm.ErrDuplicatedKey, exactly as the postgres setup does.
func newTestStore(t *testing.T) DataStore {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&User{}, &Device{}, &Attachment{}, &Measurement{}, &Alert{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	return NewDataStore(db)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func seedUser(t *testing.T, store DataStore, name string) *User {
	t.Helper()
	user := &User{Name: name, Email: name + "@example.com"}
	require.NoError(t, store.CreateUser(context.Background(), user))
	return user
}

func seedDevice(t *testing.T, store DataStore, name string) *Device {
	t.Helper()
	device := &Device{Name: name, DeviceIdentifier: name + "-id"}
	require.NoError(t, store.CreateDevice(context.Background(), device))
	return device
}

func seedAttachment(t *testing.T, store DataStore, ownership *OwnershipService, userID, deviceID uint) *Attachment {
	t.Helper()
	attachment, err := ownership.Attach(context.Background(), userID, deviceID)
	require.NoError(t, err)
	return attachment
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int64) *int64       { return &v }

func recordedAt(offset time.Duration) time.Time {
	return time.Now().Add(offset).Truncate(time.Second)
}
