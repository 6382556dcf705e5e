package orchestrator

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/meridian-advisors/dealdesk/internal/model"
)

// StageDescriptor names one valuation service. The orchestrator iterates
// descriptors generically, so adding a valuation method is a registry entry,
// not a code change.
type StageDescriptor struct {
	// Name is the stage label in job results (e.g. "dcf").
	Name string `yaml:"name"`
	// Endpoint is the service URL called with the valuation request.
	Endpoint string `yaml:"endpoint"`
	// TimeoutSecs bounds the call; on expiry the stage fails with a Timeout
	// error and is not retried at this layer.
	TimeoutSecs int `yaml:"timeout_secs"`
	// Required stages count against the job's partial/succeeded status.
	// Optional stages degrade without marking the job partial.
	Required bool `yaml:"required"`
}

// Timeout returns the descriptor's call budget.
func (d StageDescriptor) Timeout() time.Duration {
	return time.Duration(d.TimeoutSecs) * time.Second
}

// Registry is the ordered set of valuation stages to fan out over.
type Registry struct {
	Valuations []StageDescriptor `yaml:"valuations"`
}

// DefaultRegistry returns the standard four valuation methods, pointed at
// the given base URL ("" keeps the endpoints empty for config overlay).
func DefaultRegistry(baseURL string) Registry {
	names := []string{"dcf", "cca", "lbo", "merger_model"}
	reg := Registry{}
	for _, n := range names {
		ep := ""
		if baseURL != "" {
			ep = baseURL + "/v1/" + n
		}
		reg.Valuations = append(reg.Valuations, StageDescriptor{
			Name:        n,
			Endpoint:    ep,
			TimeoutSecs: 90,
			Required:    true,
		})
	}
	return reg
}

// LoadRegistry reads stage descriptors from a YAML file.
func LoadRegistry(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Registry{}, eris.Wrapf(err, "orchestrator: read registry %s", path)
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return Registry{}, eris.Wrap(err, "orchestrator: unmarshal registry")
	}
	if err := reg.Validate(); err != nil {
		return Registry{}, err
	}
	return reg, nil
}

// Validate rejects registries that would produce unusable stages.
func (r Registry) Validate() error {
	if len(r.Valuations) == 0 {
		return model.NewFault(model.FaultConfiguration, "valuation registry is empty")
	}
	seen := make(map[string]bool, len(r.Valuations))
	for _, d := range r.Valuations {
		if d.Name == "" {
			return model.NewFault(model.FaultConfiguration, "valuation stage with empty name")
		}
		if seen[d.Name] {
			return model.NewFaultf(model.FaultConfiguration, "duplicate valuation stage %q", d.Name)
		}
		seen[d.Name] = true
		if d.Endpoint == "" {
			return model.NewFaultf(model.FaultConfiguration, "valuation stage %q has no endpoint", d.Name)
		}
		if d.TimeoutSecs <= 0 {
			return model.NewFaultf(model.FaultConfiguration, "valuation stage %q has no timeout", d.Name)
		}
	}
	return nil
}
