package api

// Benchmark is a catalog entry that a run can reference by name.
type Benchmark struct {
	Name             string   `json:"name" yaml:"name"`
	Category         string   `json:"category" yaml:"category"`
	DescriptionShort string   `json:"description_short" yaml:"description_short"`
	Description      string   `json:"description,omitempty" yaml:"description,omitempty"`
	Tags             []string `json:"tags" yaml:"tags"`
}

type BenchmarkList struct {
	TotalCount int         `json:"total_count"`
	Source     string      `json:"source"`
	Items      []Benchmark `json:"items"`
}
