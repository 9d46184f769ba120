package types

const (
	InstanceStatusOnline    = "online"
	InstanceStatusOffline   = "offline"
	InstanceStatusAuthError = "auth_error"
	InstanceStatusLocked    = "locked"
	InstanceStatusError     = "error"
	InstanceStatusUnknown   = "unknown"
)

const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

const EventTypeWorkflowError = "WORKFLOW_ERROR"

// Alert event keys. The latter two are license feature gated.
const (
	AlertEventInstanceOffline = "instance_offline"
	AlertEventWorkflowError   = "workflow_error"
	AlertEventInvalidAPIKey   = "invalid_api_key"
)

const (
	VersionBadgeNone            = ""
	VersionBadgeUpToDate        = "up_to_date"
	VersionBadgeUpdateAvailable = "update_available"
)

// VersionUnknown is the sentinel used when an instance's version could not
// be determined.
const VersionUnknown = "unknown"
