package deployer

import (
	"github.com/ghodss/yaml"

	"github.com/kangbeef/deploy/pkg/release"
	"github.com/kangbeef/deploy/pkg/stack"
)

// Plan is what a run would do, printed by --dry-run.
type Plan struct {
	Environment  string            `json:"environment"`
	Target       Target            `json:"target"`
	Release      release.Candidate `json:"release"`
	Reference    string            `json:"reference"`
	Services     stack.Services    `json:"services"`
	Waves        [][]string        `json:"waves"`
	Stages       []Stage           `json:"stages"`
	Force        bool              `json:"force"`
	AutoRollback bool              `json:"autoRollback"`
	Rollback     string            `json:"rollback,omitempty"`
}

func NewPlan(cfg *Config) Plan {
	stages := make([]Stage, 0, len(Pipeline))
	for _, stage := range Pipeline {
		if stage == StageBuild && !cfg.Build {
			continue
		}
		stages = append(stages, stage)
	}

	services := cfg.Services()
	return Plan{
		Environment:  cfg.Environment,
		Target:       cfg.Target(),
		Release:      cfg.Candidate(),
		Reference:    cfg.Candidate().Reference(),
		Services:     services,
		Waves:        services.Waves(),
		Stages:       stages,
		Force:        cfg.Force,
		AutoRollback: cfg.AutoRollback,
	}
}

func (p Plan) YAML() ([]byte, error) {
	return yaml.Marshal(p)
}
