package core

// ServiceRegistry holds all domain services.
type ServiceRegistry struct {
	Devices      *DeviceService
	Ownership    *OwnershipService
	Measurements *MeasurementService
	Alerts       *AlertService
	Ingestion    *IngestionService
	Engine       *RuleEngine
}
