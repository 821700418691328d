package reward

import (
	"fmt"

	"vibemesh/pkg/types"
)

// RuleResource names the hardware dimension a multiplier rule inspects.
type RuleResource string

const (
	ResourceGPU RuleResource = "gpu"
	ResourceCPU RuleResource = "cpu_cores"
	ResourceRAM RuleResource = "ram_mb"
)

// MultiplierRule is one named, configurable reward multiplier. Rules keep
// multiplier policy out of the accrual code path: changing thresholds is a
// config change, not a code change.
type MultiplierRule struct {
	Resource   RuleResource `mapstructure:"resource"`
	Threshold  int64        `mapstructure:"threshold"` // ignored for gpu
	Multiplier float64      `mapstructure:"multiplier"`
}

func (r MultiplierRule) applies(res types.Resources) bool {
	switch r.Resource {
	case ResourceGPU:
		return res.GPUAvailable
	case ResourceCPU:
		return int64(res.CPUCores) > r.Threshold
	case ResourceRAM:
		return res.RAMMB > r.Threshold
	default:
		return false
	}
}

// Policy is the accrual configuration: a base rate per accepted heartbeat
// and the multiplier rules applied to the reporting device's resources.
type Policy struct {
	BasePerHeartbeat Amount
	Rules            []MultiplierRule
}

// DefaultPolicy matches the network defaults: 0.1 VIBE per heartbeat,
// doubled for GPU devices, ×1.5 above 16 cores, ×1.3 above 32 GiB RAM.
func DefaultPolicy() Policy {
	return Policy{
		BasePerHeartbeat: FromDisplay(0.1),
		Rules: []MultiplierRule{
			{Resource: ResourceGPU, Multiplier: 2.0},
			{Resource: ResourceCPU, Threshold: 16, Multiplier: 1.5},
			{Resource: ResourceRAM, Threshold: 32768, Multiplier: 1.3},
		},
	}
}

func (p Policy) Validate() error {
	if p.BasePerHeartbeat <= 0 {
		return fmt.Errorf("reward policy: base rate must be positive")
	}
	for _, r := range p.Rules {
		if r.Multiplier <= 0 {
			return fmt.Errorf("reward policy: rule %s has non-positive multiplier", r.Resource)
		}
	}
	return nil
}

// Multiplier evaluates every matching rule against a resource snapshot.
func (p Policy) Multiplier(res types.Resources) float64 {
	m := 1.0
	for _, rule := range p.Rules {
		if rule.applies(res) {
			m *= rule.Multiplier
		}
	}
	return m
}

// AmountFor is the accrual for one accepted heartbeat.
func (p Policy) AmountFor(res types.Resources) Amount {
	return Amount(float64(p.BasePerHeartbeat) * p.Multiplier(res))
}
