package endpoint

// Input carries endpoint creation and update parameters.
type Input struct {
	OrganizationID  string            `json:"organization_id"`
	URL             string            `json:"url"`
	Description     string            `json:"description"`
	Secret          string            `json:"secret"`
	Events          []string          `json:"events"`
	IncludePartials *bool             `json:"include_partials"`
	RetryEnabled    *bool             `json:"retry_enabled"`
	MaxRetries      *int              `json:"max_retries"`
	Headers         map[string]string `json:"headers"`
}
