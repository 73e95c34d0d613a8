package edfi

// ChangeVersions is the availableChangeVersions response.
type ChangeVersions struct {
	OldestChangeVersion int64 `json:"OldestChangeVersion"`
	NewestChangeVersion int64 `json:"NewestChangeVersion"`
}

const (
	apiRoot            = "/data/v3/ed-fi/"
	changeVersionsPath = "availableChangeVersions"
	defaultPageSize    = 100
	maxErrorBodyBytes  = 512
)
