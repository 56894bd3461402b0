package monitor

// Usage is a point-in-time resource sample. Percent fields are fractions in [0, 1].
type Usage struct {
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	CPUPercent    float64 `json:"cpu_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

// Sampler reads current resource usage.
type Sampler interface {
	Sample() (Usage, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() (Usage, error)

func (f SamplerFunc) Sample() (Usage, error) { return f() }
