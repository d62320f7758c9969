package iot

import (
	"context"
	"io"
	"sync"
	"time"

	"liyu1981.xyz/smartplant-service/pkg/db"
	"liyu1981.xyz/smartplant-service/pkg/models"
)

type ITelemetry interface {
	Ingest(ctx context.Context, input *TelemetryInput) (*models.TelemetryReading, error)
	History(ownerID string, query TelemetryQuery) ([]models.TelemetryReading, error)
	Latest(ownerID, sensorID string) (*models.TelemetryReading, error)
	Stats(ownerID string, period StatsPeriod) (*TelemetryStats, error)
}

type IAlert interface {
	// Raise runs a candidate through the notification gate, the deduplicator
	// and Record. A nil alert with a nil error means it was suppressed.
	Raise(ctx context.Context, candidate models.AlertCandidate) (*models.Alert, error)
	Record(ctx context.Context, candidate models.AlertCandidate) (*models.Alert, error)
	GetAlert(alertID, ownerID string) (*models.Alert, error)
	MarkRead(alertID, ownerID string) (*models.Alert, error)
	MarkAllRead(ownerID string) (int64, error)
	Remove(alertID, ownerID string) error
	ClearRead(ownerID string) (int64, error)
	ListAlerts(ownerID string, filter AlertFilter) (*AlertPage, error)
	UnreadCount(ownerID string) (int64, error)
	CountBySeverity(ownerID string) (map[models.Severity]int64, error)
	Summary(ownerID string) (*AlertSummary, error)
	Critical(ownerID string, limit int) ([]models.Alert, error)
	// Snooze marks the alert read and schedules a reminder that flips it
	// back to unread after the given minutes.
	Snooze(alertID, ownerID string, minutes int) (*models.Reminder, error)
	CreateReminder(ownerID string, input *ReminderInput) (*models.Reminder, error)
	ListReminders(ownerID string, status models.ReminderStatus) ([]models.Reminder, error)
	CancelReminder(reminderID, ownerID string) (*models.Reminder, error)
}

type IProfile interface {
	GetProfile(ownerID string) (*models.OwnerProfile, error)
	UpdateProfile(ownerID string, input *ProfileInput) (*models.OwnerProfile, error)
}

type IDevice interface {
	RegisterSensor(ownerID string, input *SensorInput) (*models.Sensor, error)
	ListSensors(ownerID string) ([]models.Sensor, error)
	GetSensor(sensorID, ownerID string) (*models.Sensor, error)
	UpdateSensor(sensorID, ownerID string, update *SensorUpdate) (*models.Sensor, error)
	DeleteSensor(sensorID, ownerID string) error
	ResolveOwner(sensorID, ownerID string) (string, error)
	Irrigate(ctx context.Context, ownerID string, input *IrrigationInput) (*models.IrrigationEvent, error)
	IrrigationHistory(ownerID string, limit int) ([]models.IrrigationEvent, error)
	DeleteIrrigationEvent(eventID, ownerID string) error
}

type IImage interface {
	CreateImage(ctx context.Context, input *ImageUpload) (*models.PlantImage, error)
	GetImage(imageID, ownerID string) (*models.PlantImage, error)
	OpenImage(imageID, ownerID string) (io.ReadCloser, *models.PlantImage, error)
	ListImages(ownerID string, filter ImageFilter) (*ImagePage, error)
	DeleteImage(imageID, ownerID string) error
	ImageStats(ownerID string) (*ImageStats, error)
}

type IAnalysis interface {
	Submit(image *models.PlantImage) error
	Reanalyze(imageID, ownerID string) (*models.PlantImage, error)
	InferenceStatus(ctx context.Context) InferenceStatus
	// Receive stores a result pushed by the inference service and raises
	// the disease alert it implies.
	Receive(ctx context.Context, report *AnalysisReport) (*models.AnalysisRecord, error)
	History(ownerID string, filter AnalysisFilter) (*AnalysisPage, error)
	Stats(ownerID string, query AnalysisStatsQuery) (*AnalysisStats, error)
	GetRecord(analysisID, ownerID string) (*models.AnalysisRecord, error)
	DeleteRecord(analysisID, ownerID string) error
}

type IOT struct {
	Db       db.DB
	Hub      Publisher
	Dedup    *Deduplicator
	Blobs    BlobStore
	Inferer  Inferer
	Limiters *RateLimiterStore
	Now      func() time.Time

	Telemetry ITelemetry
	Alert     IAlert
	Profile   IProfile
	Device    IDevice
	Image     IImage
	Analysis  IAnalysis

	opts        Options
	sensorLocks sync.Map // sensor or owner id -> *sensorLock
	inFlight    sync.Map // image id -> attempt
	analyses    sync.WaitGroup
}

type Options struct {
	Hub      Publisher
	Inferer  Inferer
	Blobs    BlobStore
	Limiters *RateLimiterStore
	Now      func() time.Time

	AlertCooldown      time.Duration
	PumpAlertCooldown  time.Duration
	AlertRetention     time.Duration
	SensorOfflineAfter time.Duration

	InferenceEnabled bool
	InferenceTimeout time.Duration
}

const DefaultInferenceTimeout = 30 * time.Second

// New wires an IOT core with its default service implementations.
func New(database db.DB, opts Options) *IOT {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Hub == nil {
		opts.Hub = nopPublisher{}
	}
	if opts.InferenceTimeout <= 0 {
		opts.InferenceTimeout = DefaultInferenceTimeout
	}

	i := &IOT{
		Db:       database,
		Hub:      opts.Hub,
		Dedup:    NewDeduplicator(opts.AlertCooldown, opts.PumpAlertCooldown, opts.Now),
		Blobs:    opts.Blobs,
		Inferer:  opts.Inferer,
		Limiters: opts.Limiters,
		Now:      opts.Now,
		opts:     opts,
	}

	return i.WithServices(ServiceOpts{
		Telemetry: i.GetITelemetry(),
		Alert:     i.GetIAlert(),
		Profile:   i.GetIProfile(),
		Device:    i.GetIDevice(),
		Image:     i.GetIImage(),
		Analysis:  i.GetIAnalysis(),
	})
}

type ServiceOpts struct {
	Telemetry ITelemetry
	Alert     IAlert
	Profile   IProfile
	Device    IDevice
	Image     IImage
	Analysis  IAnalysis
}

func (i *IOT) WithServices(opts ServiceOpts) *IOT {
	if opts.Telemetry != nil {
		i.Telemetry = opts.Telemetry
	}
	if opts.Alert != nil {
		i.Alert = opts.Alert
	}
	if opts.Profile != nil {
		i.Profile = opts.Profile
	}
	if opts.Device != nil {
		i.Device = opts.Device
	}
	if opts.Image != nil {
		i.Image = opts.Image
	}
	if opts.Analysis != nil {
		i.Analysis = opts.Analysis
	}
	return i
}

func (i *IOT) now() time.Time {
	return i.Now().UTC()
}

func (i *IOT) publish(room, event string, payload any) {
	i.Hub.Publish(room, event, payload)
}

type sensorLock struct {
	mu       sync.Mutex
	lastUsed time.Time
	dead     bool
}

// lockSensor serializes work for one sensor (or one owner when the reading
// carries no sensor id) and returns the unlock func.
func (i *IOT) lockSensor(key string) func() {
	for {
		v, _ := i.sensorLocks.LoadOrStore(key, &sensorLock{})
		l := v.(*sensorLock)
		l.mu.Lock()
		if l.dead {
			l.mu.Unlock()
			continue
		}
		return func() {
			l.lastUsed = i.now()
			l.mu.Unlock()
		}
	}
}

// pruneSensorLocks drops locks that are free and unused for longer than idle.
func (i *IOT) pruneSensorLocks(idle time.Duration) int {
	cutoff := i.now().Add(-idle)
	removed := 0
	i.sensorLocks.Range(func(k, v any) bool {
		l := v.(*sensorLock)
		if !l.mu.TryLock() {
			return true
		}
		if !l.dead && l.lastUsed.Before(cutoff) {
			l.dead = true
			i.sensorLocks.CompareAndDelete(k, v)
			removed++
		}
		l.mu.Unlock()
		return true
	})
	return removed
}

// Wait blocks until all in-flight analyses have completed.
func (i *IOT) Wait() {
	i.analyses.Wait()
}
