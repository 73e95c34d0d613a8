package domain

import "time"

// Record is a schemaless resource payload on either side of the boundary.
type Record = map[string]any

type MappingDirection = Direction

type TransformKind string

const (
	TransformDirect     TransformKind = "direct"
	TransformUppercase  TransformKind = "uppercase"
	TransformLowercase  TransformKind = "lowercase"
	TransformDateFormat TransformKind = "date_format"
	TransformLookup     TransformKind = "lookup"
	TransformCustom     TransformKind = "custom"
)

type DateFormatConfig struct {
	// Layout is "date", "datetime", a Go layout, or empty to keep the input's precision.
	Layout string `json:"layout,omitempty"`
}

type LookupConfig struct {
	Table   map[string]any `json:"table"`
	Default any            `json:"default,omitempty"`
}

type CustomConfig struct {
	Expression string `json:"expression"`
}

// Transform is a closed set of variants; only the config matching Kind is set.
type Transform struct {
	Kind       TransformKind     `json:"type"`
	DateFormat *DateFormatConfig `json:"date_format,omitempty"`
	Lookup     *LookupConfig     `json:"lookup,omitempty"`
	Custom     *CustomConfig     `json:"custom,omitempty"`
}

// Lossy reports whether applying the transform may discard information.
func (t Transform) Lossy() bool {
	switch t.Kind {
	case TransformUppercase, TransformLowercase, TransformCustom:
		return true
	}
	return false
}

type FieldMapping struct {
	ID           string           `db:"id"`
	ConnectionID string           `db:"connection_id"`
	ResourceType string           `db:"resource_type"`
	LocalField   string           `db:"local_field"`
	RemoteField  string           `db:"remote_field"`
	Direction    MappingDirection `db:"direction"`
	Transform    Transform        `db:"-"`
	Required     bool             `db:"required"`
	DefaultValue any              `db:"-"`
	CreatedAt    time.Time        `db:"created_at"`
}

// AppliesTo reports whether the mapping participates in a pass of the given direction.
func (m FieldMapping) AppliesTo(d Direction) bool {
	return m.Direction == DirectionBidirectional || m.Direction == d
}

type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
	ConflictIgnored  ConflictStatus = "ignored"
)

type Resolution string

const (
	ResolutionScholarlyWins Resolution = "scholarly_wins"
	ResolutionEdFiWins      Resolution = "edfi_wins"
	ResolutionManualMerge   Resolution = "manual_merge"
)

type Conflict struct {
	ID                string         `db:"id"`
	TenantID          string         `db:"tenant_id"`
	ConnectionID      string         `db:"connection_id"`
	JobID             string         `db:"job_id"`
	ResourceType      string         `db:"resource_type"`
	ResourceID        string         `db:"resource_id"`
	LocalData         Record         `db:"-"`
	RemoteData        Record         `db:"-"`
	ConflictingFields []string       `db:"-"`
	Status            ConflictStatus `db:"status"`
	Resolution        *Resolution    `db:"resolution"`
	ResolvedData      Record         `db:"-"`
	ResolvedBy        *string        `db:"resolved_by"`
	ResolvedAt        *time.Time     `db:"resolved_at"`
	CreatedAt         time.Time      `db:"created_at"`
}

type ConflictFilter struct {
	ConnectionID string
	JobID        string
	Status       ConflictStatus
	Limit        int
}

type ChangeOperation string

const (
	OperationCreate ChangeOperation = "create"
	OperationUpdate ChangeOperation = "update"
	OperationDelete ChangeOperation = "delete"
)

func (o ChangeOperation) Valid() bool {
	return o == OperationCreate || o == OperationUpdate || o == OperationDelete
}

// ChangeEntry is one local mutation awaiting delivery to the remote system.
type ChangeEntry struct {
	ID            string          `db:"id"`
	TenantID      string          `db:"tenant_id"`
	ConnectionID  string          `db:"connection_id"`
	EntityType    string          `db:"entity_type"`
	EntityID      string          `db:"entity_id"`
	Operation     ChangeOperation `db:"operation"`
	ChangedFields []string        `db:"-"`
	Before        Record          `db:"-"`
	After         Record          `db:"-"`
	Synced        bool            `db:"synced"`
	SyncedAt      *time.Time      `db:"synced_at"`
	SyncJobID     *string         `db:"sync_job_id"`
	CreatedAt     time.Time       `db:"created_at"`
}
