package api

// ------------------------------------------------------------------------------------------------
// General naming conventions:
// ------------------------------------------------------------------------------------------------
// - ...Config - represents an object specified by the user when creating a resource.
// - ...Record - represents an object stored in the database. This is the REST resource.
// - ...List - represents a page of REST resources
// - ...Event - represents an entry on a run's live event channel
// - ...Error - represents an error response
// ------------------------------------------------------------------------------------------------

type HRef struct {
	Href string `json:"href"`
}

// Error represents an error response
type Error struct {
	MessageCode string `json:"message_code"`
	Message     string `json:"message"`
	Trace       string `json:"trace"`
}

// Page represents generic pagination schema
type Page struct {
	First      *HRef `json:"first"`
	Next       *HRef `json:"next,omitempty"`
	Limit      int   `json:"limit"`
	TotalCount int   `json:"total_count"`
}

// EnvVar is an extra environment variable passed to benchmark processes.
type EnvVar struct {
	Name  string `mapstructure:"name" yaml:"name"`
	Value string `mapstructure:"value" yaml:"value"`
}
