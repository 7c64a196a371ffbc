package logger

// Component names used with For.
const (
	ComponentConnection = "Connection"
	ComponentQueue      = "OfflineQueue"
	ComponentDispatcher = "Dispatcher"
	ComponentWatermark  = "Watermark"
	ComponentStore      = "EntityStore"
	ComponentEngine     = "Engine"
	ComponentRelay      = "Relay"
	ComponentPersister  = "Persister"
	ComponentAPI        = "API"
	ComponentTelemetry  = "Telemetry"
	ComponentDB         = "DB"
)
