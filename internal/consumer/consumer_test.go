package consumer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"example.com/backstage/services/sensor/internal/core"
	"example.com/backstage/services/sensor/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fakeQueue struct {
	batches     [][]*infrastructure.QueueMessage
	completed   []*infrastructure.QueueMessage
	abandoned   []*infrastructure.QueueMessage
	seenTimeout time.Duration
	onReceive   func()
}

func (q *fakeQueue) Receive(ctx context.Context, max int, timeout time.Duration) ([]*infrastructure.QueueMessage, error) {
	q.seenTimeout = timeout
	if q.onReceive != nil {
		q.onReceive()
	}
	if len(q.batches) == 0 {
		return nil, nil
	}
	batch := q.batches[0]
	q.batches = q.batches[1:]
	return batch, nil
}

func (q *fakeQueue) Complete(ctx context.Context, msg *infrastructure.QueueMessage) error {
	q.completed = append(q.completed, msg)
	return nil
}

func (q *fakeQueue) Abandon(ctx context.Context, msg *infrastructure.QueueMessage) error {
	q.abandoned = append(q.abandoned, msg)
	return nil
}

type fixture struct {
	store      core.DataStore
	ingestion  *core.IngestionService
	deadLetter *infrastructure.DeadLetterLog
	dlPath     string
	closeDB    func()
	logger     *logrus.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&core.User{}, &core.Device{}, &core.Attachment{}, &core.Measurement{}, &core.Alert{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := core.NewDataStore(db)
	ownership := core.NewOwnershipService(store, nil, logger)
	engine := core.NewRuleEngine(core.TemperatureRule{Min: 0, Max: 30})
	alerts := core.NewAlertService(store, logger)
	ingestion := core.NewIngestionService(store, ownership, engine, alerts, nil, "measurements", core.IngestModeDirect, logger)

	dlPath := filepath.Join(t.TempDir(), "dead_letter.log")
	deadLetter, err := infrastructure.NewDeadLetterLog(dlPath)
	require.NoError(t, err)
	t.Cleanup(func() { deadLetter.Close() })

	return &fixture{
		store:      store,
		ingestion:  ingestion,
		deadLetter: deadLetter,
		dlPath:     dlPath,
		closeDB:    func() { sqlDB.Close() },
		logger:     logger,
	}
}

func (f *fixture) seedDevice(t *testing.T) *core.Device {
	t.Helper()
	device := &core.Device{Name: "thermostat", DeviceIdentifier: "thermostat-id"}
	require.NoError(t, f.store.CreateDevice(context.Background(), device))
	return device
}

func (f *fixture) deadLetterEntries(t *testing.T) []infrastructure.DeadLetterEntry {
	t.Helper()
	file, err := os.Open(f.dlPath)
	require.NoError(t, err)
	defer file.Close()

	var entries []infrastructure.DeadLetterEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry infrastructure.DeadLetterEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func envelopeBody(t *testing.T, deviceID uint, value float64) []byte {
	t.Helper()
	body, err := json.Marshal(core.ReadingEnvelope{
		DeviceID:    strconv.Itoa(int(deviceID)),
		MeasureType: core.MeasureTypeTemperature,
		FMeasure:    &value,
		RecordedAt:  time.Now().Format(time.RFC3339),
	})
	require.NoError(t, err)
	return body
}

func TestConsumerProcessesAndCompletes(t *testing.T) {
	f := newFixture(t)
	device := f.seedDevice(t)

	queue := &fakeQueue{}
	msg := &infrastructure.QueueMessage{Body: envelopeBody(t, device.ID, 21), DeliveryCount: 1}

	c := New(queue, f.ingestion, f.deadLetter, 5, 0, f.logger)
	c.handle(context.Background(), msg)

	require.Len(t, queue.completed, 1)
	assert.Empty(t, queue.abandoned)

	measurements, err := f.store.ListDeviceMeasurements(context.Background(), device.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, measurements, 1)
	assert.Empty(t, f.deadLetterEntries(t))
}

func TestConsumerParksMalformedBody(t *testing.T) {
	f := newFixture(t)

	queue := &fakeQueue{}
	msg := &infrastructure.QueueMessage{Body: []byte("{not json"), DeliveryCount: 1}

	c := New(queue, f.ingestion, f.deadLetter, 5, 0, f.logger)
	c.handle(context.Background(), msg)

	// Parked and settled so the broker stops redelivering.
	require.Len(t, queue.completed, 1)
	assert.Empty(t, queue.abandoned)

	entries := f.deadLetterEntries(t)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Reason, "malformed message body")

	var original string
	require.NoError(t, json.Unmarshal(entries[0].Payload, &original))
	assert.Equal(t, "{not json", original)
}

func TestConsumerParksPermanentFailuresImmediately(t *testing.T) {
	f := newFixture(t)

	queue := &fakeQueue{}
	c := New(queue, f.ingestion, f.deadLetter, 5, 0, f.logger)

	// Structurally invalid envelope.
	invalid, err := json.Marshal(core.ReadingEnvelope{MeasureType: core.MeasureTypeTemperature})
	require.NoError(t, err)
	c.handle(context.Background(), &infrastructure.QueueMessage{Body: invalid, DeliveryCount: 1})

	// Reading for a device that does not exist.
	c.handle(context.Background(), &infrastructure.QueueMessage{Body: envelopeBody(t, 999, 21), DeliveryCount: 1})

	assert.Len(t, queue.completed, 2)
	assert.Empty(t, queue.abandoned)
	assert.Len(t, f.deadLetterEntries(t), 2)
}

func TestConsumerAbandonsTransientFailures(t *testing.T) {
	f := newFixture(t)
	device := f.seedDevice(t)

	// Force storage errors on every subsequent operation.
	f.closeDB()

	queue := &fakeQueue{}
	c := New(queue, f.ingestion, f.deadLetter, 5, 0, f.logger)

	msg := &infrastructure.QueueMessage{Body: envelopeBody(t, device.ID, 21), DeliveryCount: 2}
	c.handle(context.Background(), msg)

	require.Len(t, queue.abandoned, 1)
	assert.Empty(t, queue.completed)
	assert.Empty(t, f.deadLetterEntries(t))
}

func TestConsumerParksAfterMaxDeliveries(t *testing.T) {
	f := newFixture(t)
	device := f.seedDevice(t)

	f.closeDB()

	queue := &fakeQueue{}
	c := New(queue, f.ingestion, f.deadLetter, 3, 0, f.logger)

	msg := &infrastructure.QueueMessage{Body: envelopeBody(t, device.ID, 21), DeliveryCount: 3}
	c.handle(context.Background(), msg)

	require.Len(t, queue.completed, 1)
	assert.Empty(t, queue.abandoned)

	entries := f.deadLetterEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(3), entries[0].DeliveryCount)
}

func TestConsumerReceiveTimeout(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	queue := &fakeQueue{onReceive: cancel}

	c := New(queue, f.ingestion, f.deadLetter, 5, 45*time.Second, f.logger)
	require.NoError(t, c.Run(ctx))

	assert.Equal(t, 45*time.Second, queue.seenTimeout)

	// Zero falls back to the default.
	fallback := New(queue, f.ingestion, f.deadLetter, 5, 0, f.logger)
	assert.Equal(t, defaultReceiveTimeout, fallback.receiveTimeout)
}

func TestConsumerRunDrainsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	device := f.seedDevice(t)

	queue := &fakeQueue{
		batches: [][]*infrastructure.QueueMessage{
			{
				{Body: envelopeBody(t, device.ID, 21), DeliveryCount: 1},
				{Body: envelopeBody(t, device.ID, 22), DeliveryCount: 1},
			},
		},
	}

	c := New(queue, f.ingestion, f.deadLetter, 5, 0, f.logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		measurements, err := f.store.ListDeviceMeasurements(context.Background(), device.ID, 10, 0)
		return err == nil && len(measurements) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}

	assert.Len(t, queue.completed, 2)
}
