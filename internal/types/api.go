package types

import "time"

// Instance types

type InstanceCreateRequest struct {
	Name    string `json:"name"`
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
}

// InstanceUpdateRequest carries the same shape as create; an empty APIKey
// means "keep the stored key".
type InstanceUpdateRequest = InstanceCreateRequest

type InstanceSummary struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	BaseURL       string     `json:"baseUrl"`
	Status        string     `json:"status"`
	Version       string     `json:"version"`
	LatestVersion string     `json:"latestVersion,omitempty"`
	VersionBadge  string     `json:"versionBadge,omitempty"`
	LastSeenAt    *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

type InstanceDetail struct {
	InstanceSummary
	UpdatedAt    *time.Time `json:"updatedAt,omitempty"`
	LastBackupAt *time.Time `json:"lastBackupAt,omitempty"`
}

// Workflow types

type Workflow struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Active      bool       `json:"active"`
	LastRunAt   *time.Time `json:"lastRunAt,omitempty"`
	LastErrorAt *time.Time `json:"lastErrorAt,omitempty"`
}

// WorkflowGroup is one partition of a workflow list, keyed by the uppercased
// first letter of the workflow name ("#" for names that do not start with a
// letter).
type WorkflowGroup struct {
	Key       string     `json:"key"`
	Workflows []Workflow `json:"workflows"`
}

type WorkflowListResponse struct {
	Total    int             `json:"total"`
	Filtered int             `json:"filtered"`
	Groups   []WorkflowGroup `json:"groups,omitempty"`
	Items    []Workflow      `json:"items,omitempty"`
}

// Event types

type Event struct {
	ID         string       `json:"id"`
	EventType  string       `json:"eventType"`
	Severity   string       `json:"severity"`
	OccurredAt time.Time    `json:"occurredAt"`
	Payload    EventPayload `json:"payload"`
}

type EventPayload struct {
	WorkflowID   string `json:"workflowId"`
	WorkflowName string `json:"workflowName"`
	ErrorMessage string `json:"errorMessage"`
	NodeName     string `json:"nodeName,omitempty"`
	ExecutionID  string `json:"executionId,omitempty"`
}

// ErrorPattern is a server-side aggregation of recurring error messages over
// a time window.
type ErrorPattern struct {
	Message           string    `json:"message"`
	Count             int       `json:"count"`
	LastOccurred      time.Time `json:"lastOccurred"`
	AffectedWorkflows []string  `json:"affectedWorkflows"`
}

// License types

type LicenseInfo struct {
	Edition      string          `json:"edition"`
	MaxInstances int             `json:"maxInstances"`
	Features     map[string]bool `json:"features"`
}

// QuotaInfo backs the "N more instance(s)" banner on the instance list.
type QuotaInfo struct {
	MaxInstances       int  `json:"maxInstances"`
	UsedInstances      int  `json:"usedInstances"`
	RemainingInstances int  `json:"remainingInstances"`
	CanAddInstance     bool `json:"canAddInstance"`
}

// Settings types

type AlertSettings struct {
	Enabled  bool                    `json:"enabled"`
	Events   map[string]bool         `json:"events"`
	Channels map[string]AlertChannel `json:"channels"`
}

type AlertChannel struct {
	Address string `json:"address,omitempty"`
	URL     string `json:"url,omitempty"`
}

type BackupSettings struct {
	Enabled       bool       `json:"enabled"`
	FolderID      string     `json:"folderId"`
	IntervalHours int        `json:"intervalHours"`
	LastBackupAt  *time.Time `json:"lastBackupAt,omitempty"`
}

// BackupIntervalHours is the set of accepted backup intervals.
var BackupIntervalHours = []int{1, 24, 168, 720}

type InstanceBackupStatus struct {
	InstanceID   string     `json:"instanceId"`
	InstanceName string     `json:"instanceName"`
	LastBackupAt *time.Time `json:"lastBackupAt,omitempty"`
}

// Auth types

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token    string `json:"token,omitempty"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

type PasswordResetRequest struct {
	Email string `json:"email"`
}

type PasswordReset struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}
