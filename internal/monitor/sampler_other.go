//go:build !linux

package monitor

type systemSampler struct{}

// NewSystemSampler returns a sampler that reports zero usage on platforms
// without sysinfo(2).
func NewSystemSampler(string) Sampler {
	return systemSampler{}
}

func (systemSampler) Sample() (Usage, error) { return Usage{}, nil }
