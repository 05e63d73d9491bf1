package pipeline

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/modelgw/gateway/core"
	"github.com/modelgw/gateway/router"
)

// AssemblyTemplate is the declarative description of the whole gateway:
// the routing rules that pick a virtual model, and every virtual model's
// targets (spec §4.6, §6 "assembly table format": top-level
// {version, routingRules[], pipelineTemplates[], moduleRegistry[]} - here
// pipelineTemplates/moduleRegistry collapse into one VirtualModels list
// since each virtual model's targets already name their own provider). It
// is loaded from YAML or JSON via LoadAssemblyTemplate.
type AssemblyTemplate struct {
	Version             string             `yaml:"version" json:"version"`
	VirtualModels       []VirtualModelSpec `yaml:"virtual_models" json:"virtual_models"`
	RoutingRules        []router.Rule      `yaml:"routingRules" json:"routingRules"`
	DefaultVirtualModel string             `yaml:"defaultVirtualModel" json:"defaultVirtualModel"`
}

// VirtualModelSpec names one virtual model, the load-balancing strategy
// used across its targets, and the targets themselves.
type VirtualModelSpec struct {
	ID       string       `yaml:"id" json:"id"`
	Strategy string       `yaml:"strategy" json:"strategy"`
	Targets  []TargetSpec `yaml:"targets" json:"targets"`
}

// TargetSpec is the on-disk form of a Target: Credentials lists the
// names of credentials available for rotation; the assembler sizes
// CredentialIndex accordingly (spec §4.4/§9 credential rotation).
type TargetSpec struct {
	ID          string   `yaml:"id" json:"id"`
	Provider    string   `yaml:"provider" json:"provider"`
	Model       string   `yaml:"model" json:"model"`
	Weight      int      `yaml:"weight" json:"weight"`
	Credentials []string `yaml:"credentials" json:"credentials"`

	// MaxConcurrentPerInstance caps concurrent requests on the materialized
	// instance (spec §3 AssemblyTemplate, §4.1/§4.2 saturation/eligibility).
	// Zero means unbounded.
	MaxConcurrentPerInstance int `yaml:"maxConcurrentPerInstance" json:"max_concurrent_per_instance"`
}

// LoadAssemblyTemplate reads and parses an AssemblyTemplate from path.
// The file is always parsed as YAML, whatever its extension; a JSON file
// parses too, but its keys are matched against the yaml tags, not the
// json ones.
func LoadAssemblyTemplate(path string) (*AssemblyTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read assembly template: %w", err)
	}

	var tmpl AssemblyTemplate
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("parse assembly template: %w", err)
	}
	return &tmpl, nil
}

// BackendResolver returns the Backend that should serve a given provider
// name (e.g. "openai", "anthropic", "bedrock", "gemini"), or an error if
// no backend is registered for it.
type BackendResolver func(provider string) (Backend, error)

// Assembler materializes a pool of PipelineInstance values from an
// AssemblyTemplate (spec §4.6). One instance is created per target; the
// caller groups the result by virtual model before handing it to the
// scheduler/load balancer.
type Assembler struct {
	resolveBackend BackendResolver
	logger         core.Logger
}

// NewAssembler creates an Assembler that looks up concrete provider
// backends via resolveBackend.
func NewAssembler(resolveBackend BackendResolver, logger core.Logger) *Assembler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Assembler{resolveBackend: resolveBackend, logger: logger}
}

// StrategyNames extracts the per-virtual-model load-balancing strategy
// from tmpl, in the shape scheduler.New expects.
func StrategyNames(tmpl *AssemblyTemplate) map[VirtualModelID]string {
	names := make(map[VirtualModelID]string, len(tmpl.VirtualModels))
	for _, vmSpec := range tmpl.VirtualModels {
		names[VirtualModelID(vmSpec.ID)] = vmSpec.Strategy
	}
	return names
}

// Assemble builds every virtual model's instance pool from tmpl.
func (a *Assembler) Assemble(tmpl *AssemblyTemplate) (map[VirtualModelID][]*PipelineInstance, error) {
	pools := make(map[VirtualModelID][]*PipelineInstance, len(tmpl.VirtualModels))

	for _, vmSpec := range tmpl.VirtualModels {
		if vmSpec.ID == "" {
			return nil, fmt.Errorf("assembly template: virtual model missing id")
		}
		if len(vmSpec.Targets) == 0 {
			return nil, fmt.Errorf("assembly template: virtual model %q has no targets", vmSpec.ID)
		}

		vmID := VirtualModelID(vmSpec.ID)
		instances := make([]*PipelineInstance, 0, len(vmSpec.Targets))

		for _, targetSpec := range vmSpec.Targets {
			backend, err := a.resolveBackend(targetSpec.Provider)
			if err != nil {
				return nil, fmt.Errorf("virtual model %q target %q: %w", vmSpec.ID, targetSpec.ID, err)
			}

			target := Target{
				ID:                       targetSpec.ID,
				Provider:                 targetSpec.Provider,
				Model:                    targetSpec.Model,
				Weight:                   targetSpec.Weight,
				Credentials:              targetSpec.Credentials,
				MaxConcurrentPerInstance: targetSpec.MaxConcurrentPerInstance,
			}

			providerIO := NewProviderIOStage(backend, target)
			instance := NewPipelineInstance(vmID, target, providerIO, a.logger)

			// spec §4.6 step 4: call initialize(); on success, register
			// with scheduler pool. A failure here means the instance is
			// left in StateError and never added to the pool.
			if err := instance.Initialize(context.Background()); err != nil {
				return nil, fmt.Errorf("virtual model %q target %q: initialize: %w", vmSpec.ID, targetSpec.ID, err)
			}
			instances = append(instances, instance)
		}

		pools[vmID] = instances
	}

	return pools, nil
}
