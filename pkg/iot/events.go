package iot

// Event names published on the hub.
const (
	EventNewSensorData     = "newSensorData"
	EventNewAlert          = "newAlert"
	EventAlertsChanged     = "alertsChanged"
	EventAlertReminder     = "alertReminder"
	EventAnalysisComplete  = "analysisComplete"
	EventDiseaseDetected   = "diseaseDetected"
	EventAnalysisFailed    = "analysisFailed"
	EventIrrigationCommand = "irrigationCommand"
	EventSettingsUpdate    = "settingsUpdate"
)

const (
	deviceRoom      = "devices"
	ownerRoomPrefix = "owner:"
)

func OwnerRoom(ownerID string) string {
	return ownerRoomPrefix + ownerID
}

func DeviceRoom() string {
	return deviceRoom
}

// Publisher is the real-time fan-out the core publishes to. Publish must not
// block on slow or absent subscribers.
type Publisher interface {
	Publish(room, event string, payload any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, any) {}
