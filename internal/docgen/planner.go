package docgen

import (
	"fmt"
	"strings"
)

const (
	kib = 1024
	mib = 1024 * kib
	gib = 1024 * mib
)

// Quality is an optional connection-quality hint for upload planning.
type Quality string

const (
	QualityDefault Quality = ""
	QualitySlow    Quality = "slow"
	QualityFast    Quality = "fast"
)

func ParseQuality(s string) (Quality, error) {
	switch q := Quality(strings.ToLower(strings.TrimSpace(s))); q {
	case QualityDefault, QualitySlow, QualityFast:
		return q, nil
	}
	return QualityDefault, fmt.Errorf("unknown quality hint %q", s)
}

const (
	unitPartSize   = 1 * mib
	minPartSize    = 512 * kib
	maxPartSize    = 10 * mib
	mediumParMin   = 2
	mediumParMax   = 6
	largeParallel  = 8
	hugeParallel   = 10
	fastParallelUp = 12
)

// Planner maps payload sizes to upload plans. The zero value is not usable;
// start from DefaultPlanner.
type Planner struct {
	SmallMax  int64
	MediumMax int64
	LargeMax  int64
	HugeMax   int64
}

func DefaultPlanner() Planner {
	return Planner{
		SmallMax:  10 * mib,
		MediumMax: 100 * mib,
		LargeMax:  500 * mib,
		HugeMax:   2 * gib,
	}
}

func (p Planner) validate() error {
	if p.SmallMax <= 0 || p.MediumMax <= p.SmallMax || p.LargeMax <= p.MediumMax || p.HugeMax <= p.LargeMax {
		return fmt.Errorf("planner thresholds must be positive and increasing, got %d/%d/%d/%d",
			p.SmallMax, p.MediumMax, p.LargeMax, p.HugeMax)
	}
	return nil
}

// Plan is pure: identical inputs always yield identical plans.
func (p Planner) Plan(size int64, hint Quality) UploadPlan {
	if size < 0 {
		size = 0
	}
	if size <= p.SmallMax {
		return UploadPlan{PartSize: size, Parallelism: 1}
	}

	var plan UploadPlan
	switch {
	case size <= p.MediumMax:
		plan = UploadPlan{
			PartSize:    unitPartSize,
			Parallelism: int(clamp(size/(10*mib), mediumParMin, mediumParMax)),
		}
	case size <= p.LargeMax:
		plan = UploadPlan{
			PartSize:    clamp(size/100, 2*mib, 5*mib),
			Parallelism: largeParallel,
		}
	case size <= p.HugeMax:
		plan = UploadPlan{
			PartSize:    clamp(size/100, 5*mib, maxPartSize),
			Parallelism: hugeParallel,
		}
	default:
		plan = UploadPlan{PartSize: maxPartSize, Parallelism: hugeParallel}
	}
	plan.UseChunking = true

	switch hint {
	case QualitySlow:
		plan.Parallelism = max(1, plan.Parallelism/2)
		plan.PartSize = max(minPartSize, plan.PartSize/2)
	case QualityFast:
		plan.Parallelism = min(fastParallelUp, plan.Parallelism*3/2)
	}
	return plan
}

// PlanUpload plans with the default thresholds.
func PlanUpload(size int64, hint Quality) UploadPlan {
	return DefaultPlanner().Plan(size, hint)
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
