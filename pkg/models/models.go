package models

import (
	"time"

	"gorm.io/datatypes"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var Severities = []Severity{SeverityInfo, SeverityWarning, SeverityCritical}

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

type Category string

const (
	CategoryMoisture    Category = "moisture"
	CategoryTemperature Category = "temperature"
	CategoryHumidity    Category = "humidity"
	CategoryDisease     Category = "disease"
	CategorySystem      Category = "system"
)

var Categories = []Category{CategoryMoisture, CategoryTemperature, CategoryHumidity, CategoryDisease, CategorySystem}

func (c Category) Valid() bool {
	switch c {
	case CategoryMoisture, CategoryTemperature, CategoryHumidity, CategoryDisease, CategorySystem:
		return true
	}
	return false
}

// Rule names the evaluator rule (or pipeline) that produced a candidate.
type Rule string

const (
	RuleSoilDry         Rule = "soil_dry"
	RuleLowLight        Rule = "low_light"
	RuleExcessiveLight  Rule = "excessive_light"
	RuleHeat            Rule = "heat"
	RuleCold            Rule = "cold"
	RuleMoldRisk        Rule = "mold_risk"
	RuleDryAir          Rule = "dry_air"
	RulePumpActivated   Rule = "pump_activated"
	RuleCombinedExtreme Rule = "combined_extreme"
	RuleDiseaseDetected Rule = "disease_detected"
	RuleSensorOffline   Rule = "sensor_offline"
)

type AlertCandidate struct {
	OwnerID  string
	SensorID string
	ImageID  string
	Category Category
	Severity Severity
	Rule     Rule
	Title    string
	Body     string
}

type Alert struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OwnerID   string    `gorm:"index;not null" json:"ownerId"`
	SensorID  string    `gorm:"index" json:"sensorId,omitempty"`
	ImageID   string    `json:"imageId,omitempty"`
	Category  Category  `gorm:"type:varchar(20);check:category IN ('moisture','temperature','humidity','disease','system')" json:"category"`
	Severity  Severity  `gorm:"type:varchar(10);check:severity IN ('info','warning','critical')" json:"severity"`
	Rule      Rule      `gorm:"type:varchar(32)" json:"rule"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Read      bool      `gorm:"not null;default:false" json:"read"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

func (a *Alert) Candidate() AlertCandidate {
	return AlertCandidate{
		OwnerID:  a.OwnerID,
		SensorID: a.SensorID,
		ImageID:  a.ImageID,
		Category: a.Category,
		Severity: a.Severity,
		Rule:     a.Rule,
		Title:    a.Title,
		Body:     a.Body,
	}
}

type TelemetryReading struct {
	ID           string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OwnerID      string    `gorm:"index;not null" json:"ownerId"`
	SensorID     string    `gorm:"index" json:"sensorId,omitempty"`
	SoilMoisture float64   `json:"soilMoisture"`
	LightLevel   float64   `json:"lightLevel"`
	AirTemp      float64   `json:"airTemp"`
	AirHumidity  float64   `json:"airHumidity"`
	PumpState    int       `json:"pumpState"`
	CapturedAt   time.Time `gorm:"index" json:"capturedAt"`
}

const DefaultSoilMoistureThreshold = 500

type OwnerProfile struct {
	OwnerID               string    `gorm:"primaryKey;type:varchar(64)" json:"ownerId"`
	SoilMoistureThreshold float64   `json:"soilMoistureThreshold"`
	AutoIrrigation        bool      `json:"autoIrrigation"`
	NotificationsEnabled  bool      `json:"notificationsEnabled"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

func DefaultOwnerProfile(ownerID string) OwnerProfile {
	return OwnerProfile{
		OwnerID:               ownerID,
		SoilMoistureThreshold: DefaultSoilMoistureThreshold,
		AutoIrrigation:        true,
		NotificationsEnabled:  true,
	}
}

type SensorConfig struct {
	SoilMoistureThreshold float64 `json:"soilMoistureThreshold"`
	AutoIrrigation        bool    `json:"autoIrrigation"`
	NotificationsEnabled  bool    `json:"notificationsEnabled"`
}

func (p *OwnerProfile) SensorConfig() SensorConfig {
	return SensorConfig{
		SoilMoistureThreshold: p.SoilMoistureThreshold,
		AutoIrrigation:        p.AutoIrrigation,
		NotificationsEnabled:  p.NotificationsEnabled,
	}
}

type Sensor struct {
	ID         string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	OwnerID    string     `gorm:"index;not null" json:"ownerId"`
	Name       string     `json:"name"`
	Location   string     `json:"location,omitempty"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

type ImageOrigin string

const (
	ImageOriginManual    ImageOrigin = "manual"
	ImageOriginAutomatic ImageOrigin = "automatic"
)

type AnalysisState string

const (
	AnalysisPending AnalysisState = "pending"
	AnalysisDone    AnalysisState = "done"
	AnalysisFailed  AnalysisState = "failed"
)

type AnalysisResult struct {
	Disease         string                      `json:"disease"`
	Confidence      float64                     `json:"confidence"`
	Recommendations datatypes.JSONSlice[string] `json:"recommendations"`
	Healthy         bool                        `json:"healthy"`
	AnalyzedAt      *time.Time                  `json:"analyzedAt,omitempty"`
}

type PlantImage struct {
	ID              string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OwnerID         string         `gorm:"index;not null" json:"ownerId"`
	SensorID        string         `gorm:"index" json:"sensorId,omitempty"`
	StorageRef      string         `json:"storageRef"`
	Filename        string         `json:"filename"`
	ContentType     string         `json:"contentType"`
	Size            int64          `json:"size"`
	Origin          ImageOrigin    `gorm:"type:varchar(10);check:origin IN ('manual','automatic')" json:"origin"`
	AnalysisState   AnalysisState  `gorm:"type:varchar(10);index;check:analysis_state IN ('pending','done','failed')" json:"analysisState"`
	AnalysisAttempt int            `json:"-"`
	AnalysisError   string         `json:"analysisError,omitempty"`
	Result          AnalysisResult `gorm:"embedded;embeddedPrefix:result_" json:"result"`
	CreatedAt       time.Time      `gorm:"index" json:"createdAt"`
}

// AnalysisRisk is the severity grade the inference service reports itself.
type AnalysisRisk string

const (
	AnalysisRiskNone   AnalysisRisk = "none"
	AnalysisRiskLow    AnalysisRisk = "low"
	AnalysisRiskMedium AnalysisRisk = "medium"
	AnalysisRiskHigh   AnalysisRisk = "high"
)

func (r AnalysisRisk) Valid() bool {
	switch r {
	case AnalysisRiskNone, AnalysisRiskLow, AnalysisRiskMedium, AnalysisRiskHigh:
		return true
	}
	return false
}

// AnalysisRecord is a result pushed by the inference service for a sensor
// camera, independent of any uploaded PlantImage.
type AnalysisRecord struct {
	ID              string                      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OwnerID         string                      `gorm:"index;not null" json:"ownerId"`
	SensorID        string                      `gorm:"index" json:"sensorId,omitempty"`
	Disease         string                      `json:"disease"`
	Confidence      float64                     `json:"confidence"`
	DiseaseDetected bool                        `gorm:"index" json:"diseaseDetected"`
	Risk            AnalysisRisk                `gorm:"type:varchar(8)" json:"risk"`
	Recommendations datatypes.JSONSlice[string] `json:"recommendations"`
	ModelVersion    string                      `json:"modelVersion,omitempty"`
	AlertID         string                      `json:"alertId,omitempty"`
	AnalyzedAt      time.Time                   `gorm:"index" json:"analyzedAt"`
	CreatedAt       time.Time                   `json:"createdAt"`
}

type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "pending"
	ReminderSent      ReminderStatus = "sent"
	ReminderCancelled ReminderStatus = "cancelled"
)

func (s ReminderStatus) Valid() bool {
	switch s {
	case ReminderPending, ReminderSent, ReminderCancelled:
		return true
	}
	return false
}

// Reminder re-notifies the owner about a snoozed alert once RemindAt passes.
type Reminder struct {
	ID            string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OwnerID       string         `gorm:"index;not null" json:"ownerId"`
	AlertID       string         `gorm:"index;not null" json:"alertId"`
	RemindAt      time.Time      `gorm:"index" json:"remindAt"`
	SnoozeMinutes int            `json:"snoozeMinutes"`
	Message       string         `json:"message"`
	Status        ReminderStatus `gorm:"type:varchar(10);index;check:status IN ('pending','sent','cancelled')" json:"status"`
	SentAt        *time.Time     `json:"sentAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

type IrrigationAction string

const (
	IrrigationOn  IrrigationAction = "irrigationOn"
	IrrigationOff IrrigationAction = "irrigationOff"
)

type IrrigationSource string

const (
	IrrigationSourceManual IrrigationSource = "manual"
	IrrigationSourceAuto   IrrigationSource = "auto"
)

type IrrigationEvent struct {
	ID       string           `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OwnerID  string           `gorm:"index;not null" json:"ownerId"`
	SensorID string           `json:"targetSensorId,omitempty"`
	Action   IrrigationAction `gorm:"type:varchar(16)" json:"action"`
	Source   IrrigationSource `gorm:"type:varchar(8)" json:"source"`
	Duration int              `json:"duration,omitempty"`
	IssuedBy string           `json:"issuedBy"`
	IssuedAt time.Time        `gorm:"index" json:"issuedAt"`
}

// DeviceCommand is the payload relayed on the shared device room.
type DeviceCommand struct {
	TargetSensorID string           `json:"targetSensorId,omitempty"`
	Action         IrrigationAction `json:"action"`
	IssuedBy       string           `json:"issuedBy"`
	IssuedAt       time.Time        `json:"issuedAt"`
}

func (e *IrrigationEvent) Command() DeviceCommand {
	return DeviceCommand{
		TargetSensorID: e.SensorID,
		Action:         e.Action,
		IssuedBy:       e.IssuedBy,
		IssuedAt:       e.IssuedAt,
	}
}

func AllModels() []any {
	return []any{
		&OwnerProfile{},
		&Sensor{},
		&TelemetryReading{},
		&Alert{},
		&PlantImage{},
		&IrrigationEvent{},
		&AnalysisRecord{},
		&Reminder{},
	}
}
