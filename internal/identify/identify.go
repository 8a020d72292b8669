// Package identify turns one radar volume into a scan of storms: it
// clumps the volume, splits over-merged clumps, filters by size and
// attaches a property record to every accepted storm.
package identify

import (
	"errors"
	"fmt"

	"github.com/banshee-data/stormtrack/internal/archive"
	"github.com/banshee-data/stormtrack/internal/clump"
	"github.com/banshee-data/stormtrack/internal/config"
	"github.com/banshee-data/stormtrack/internal/grid"
	"github.com/banshee-data/stormtrack/internal/monitoring"
	"github.com/banshee-data/stormtrack/internal/props"
)

// Identifier is the per-volume storm identifier. It holds no per-scan
// state and may be reused for every volume of a run.
type Identifier struct {
	params   config.IdentifyParams
	props    config.PropsParams
	computer props.Computer
	metrics  *monitoring.Metrics

	dual  *clump.DualThreshold
	morph *clump.Morphology
	logf  func(format string, v ...interface{})
}

// New builds an identifier. A nil computer uses props.Standard; metrics
// may be nil.
func New(p *config.Params, computer props.Computer, metrics *monitoring.Metrics) *Identifier {
	if computer == nil {
		computer = props.Standard{}
	}
	ip := p.Identify
	id := &Identifier{
		params:   ip,
		props:    p.Props,
		computer: computer,
		metrics:  metrics,
		logf:     monitoring.Component("StormIdentifier"),
	}
	if ip.UseDualThreshold {
		id.dual = clump.NewDualThreshold(clump.DualThresholdParams{
			Threshold:           float32(ip.DualThreshold.DBZ),
			MinFractionAllParts: ip.DualThreshold.MinFractionAllParts,
			MinFractionEachPart: ip.DualThreshold.MinFractionEachPart,
			MinAreaEachPart:     ip.DualThreshold.MinAreaEachPart,
			MinOverlap:          ip.MinGridOverlap,
			Seed:                ip.DualThreshold.Seed,
		})
	}
	if ip.CheckMorphology {
		id.morph = clump.NewMorphology(clump.MorphologyParams{
			ErosionThresholdKm: ip.Morphology.ErosionThreshold,
			ReflDivisor:        ip.Morphology.ReflDivisor,
			LowThreshold:       float32(ip.LowThreshold),
			MinOverlap:         ip.MinGridOverlap,
		})
	}
	return id
}

// Identify returns the scan for volume v at index scanIndex. An invalid
// volume is reported as an error; clumps that fail property computation
// are dropped and logged.
func (id *Identifier) Identify(v *grid.Volume, scanIndex int) (*archive.Scan, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	g := v.Geom
	runs := clump.FindRuns(v, float32(id.params.LowThreshold))
	clumps := clump.Label(runs, id.params.MinGridOverlap)

	var pieces []*clump.Geometry
	for _, c := range clumps {
		cg := clump.NewGeometry(c, g)
		if cg.VolumeKm3 < id.params.MinStormSize {
			continue
		}
		pieces = append(pieces, id.split(cg, v)...)
	}

	ctx := props.NewContext(id.props, id.params, g, v.Time)
	scan := &archive.Scan{Index: scanIndex, Time: v.Time, Grid: g}
	for _, cg := range pieces {
		if cg.VolumeKm3 < id.params.MinStormSize {
			continue
		}
		if cg.VolumeKm3 > id.params.MaxStormSize {
			id.logf("scan %d: clump of %.0f km3 exceeds max storm size %.0f: dropped", scanIndex, cg.VolumeKm3, id.params.MaxStormSize)
			continue
		}
		p, err := id.computer.Compute(ctx, cg, v)
		if err != nil {
			if !errors.Is(err, props.ErrAboveHighThreshold) {
				id.logf("scan %d: properties failed: %v: dropped", scanIndex, err)
			}
			continue
		}
		blob, err := props.Encode(p)
		if err != nil {
			return nil, fmt.Errorf("scan %d: %w", scanIndex, err)
		}
		scan.Storms = append(scan.Storms, archive.Storm{
			ScanIndex:  scanIndex,
			StormIndex: len(scan.Storms),
			Runs:       cg.Clump.Runs,
			Props:      blob,
		})
	}
	if id.metrics != nil {
		id.metrics.StormsPerScan.Observe(float64(len(scan.Storms)))
	}
	return scan, nil
}

// split applies the configured splitters in turn: morphology first, then
// the dual threshold on every surviving piece.
func (id *Identifier) split(cg *clump.Geometry, v *grid.Volume) []*clump.Geometry {
	pieces := []*clump.Geometry{cg}
	if id.morph != nil {
		pieces = id.apply(id.morph, "morphology", pieces, v)
	}
	if id.dual != nil {
		pieces = id.apply(id.dual, "dual_threshold", pieces, v)
	}
	return pieces
}

func (id *Identifier) apply(s clump.Splitter, strategy string, in []*clump.Geometry, v *grid.Volume) []*clump.Geometry {
	var out []*clump.Geometry
	for _, cg := range in {
		parts := s.Split(cg, v)
		if len(parts) != 1 || parts[0] != cg {
			if id.metrics != nil {
				id.metrics.ClumpsSplit.WithLabelValues(strategy).Inc()
			}
		}
		out = append(out, parts...)
	}
	return out
}
