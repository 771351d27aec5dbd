package governor

import (
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

const (
	scaleUpFactor   = 1.3
	scaleDownFactor = 0.7
)

// SampleFunc reports host CPU and memory utilization in percent.
type SampleFunc func(ctx domain.Context) (cpuPct, memPct float64, err error)

// SamplerConfig tunes the adaptive sizing loop.
type SamplerConfig struct {
	Interval time.Duration
	// Above the High bounds the caps shrink; below both Low bounds they
	// grow; between, they hold.
	CPUHigh float64
	CPULow  float64
	MemHigh float64
	MemLow  float64
	// Sample overrides the gopsutil probe, for tests.
	Sample SampleFunc
}

// Sampler periodically resizes the governor's effective caps from host
// utilization.
type Sampler struct {
	g   *Governor
	cfg SamplerConfig
	log *slog.Logger
}

// NewSampler wires a sampler to g. Zero config fields get workable defaults.
func NewSampler(g *Governor, cfg SamplerConfig, log *slog.Logger) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.CPUHigh <= 0 {
		cfg.CPUHigh = 90
	}
	if cfg.CPULow <= 0 {
		cfg.CPULow = 75
	}
	if cfg.MemHigh <= 0 {
		cfg.MemHigh = 90
	}
	if cfg.MemLow <= 0 {
		cfg.MemLow = 80
	}
	if cfg.Sample == nil {
		cfg.Sample = gopsutilSample
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{g: g, cfg: cfg, log: log}
}

// Run samples until ctx is done. Sampling failures are logged and skipped;
// the caps keep their last values.
func (s *Sampler) Run(ctx domain.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sampler) tick(ctx domain.Context) {
	cpuPct, memPct, err := s.cfg.Sample(ctx)
	if err != nil {
		s.log.Warn("adaptive sample failed", slog.Any("error", err))
		return
	}
	factor := s.factorFor(cpuPct, memPct)
	if factor == 1 {
		return
	}
	s.g.ScaleEffectiveCaps(factor)
	s.log.Debug("scaled worker caps",
		slog.Float64("factor", factor),
		slog.Float64("cpu_pct", cpuPct),
		slog.Float64("mem_pct", memPct),
	)
}

// factorFor picks the resize direction: shrink when either resource runs
// hot, grow only when both run cool.
func (s *Sampler) factorFor(cpuPct, memPct float64) float64 {
	switch {
	case cpuPct > s.cfg.CPUHigh || memPct > s.cfg.MemHigh:
		return scaleDownFactor
	case cpuPct < s.cfg.CPULow && memPct < s.cfg.MemLow:
		return scaleUpFactor
	default:
		return 1
	}
}

// gopsutilSample reads utilization since the previous call; the first call
// of a process reports zero, which only delays the first resize by one tick.
func gopsutilSample(ctx domain.Context) (float64, float64, error) {
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, err
	}
	var cpuPct float64
	if len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return cpuPct, vm.UsedPercent, nil
}
