package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"
)

// Params is the root stormtrack configuration. Storm identification and
// tracking sections each contribute a fingerprint stored in the matching
// archive header, so changing them invalidates existing archives.
type Params struct {
	Identify IdentifyParams `json:"identify" yaml:"identify"`
	Props    PropsParams    `json:"props" yaml:"props"`
	Tracking TrackingParams `json:"tracking" yaml:"tracking"`
	Driver   DriverParams   `json:"driver" yaml:"driver"`
}

// IdentifyParams controls clumping, splitting and size filtering.
type IdentifyParams struct {
	LowThreshold     float64 `json:"low_threshold" yaml:"low_threshold"`   // dBZ
	HighThreshold    float64 `json:"high_threshold" yaml:"high_threshold"` // dBZ; clumps exceeding it are rejected
	MinGridOverlap   int     `json:"min_grid_overlap" yaml:"min_grid_overlap"`
	MinStormSize     float64 `json:"min_storm_size" yaml:"min_storm_size"` // km3 (km2 for single-plane grids)
	MaxStormSize     float64 `json:"max_storm_size" yaml:"max_storm_size"`
	UseDualThreshold bool    `json:"use_dual_threshold" yaml:"use_dual_threshold"`
	CheckMorphology  bool    `json:"check_morphology" yaml:"check_morphology"`

	DualThreshold DualThresholdParams `json:"dual_threshold" yaml:"dual_threshold"`
	Morphology    MorphologyParams    `json:"morphology" yaml:"morphology"`
}

// DualThresholdParams mirrors clump.DualThresholdParams.
type DualThresholdParams struct {
	DBZ                 float64 `json:"dbz" yaml:"dbz"`
	MinFractionAllParts float64 `json:"min_fraction_all_parts" yaml:"min_fraction_all_parts"`
	MinFractionEachPart float64 `json:"min_fraction_each_part" yaml:"min_fraction_each_part"`
	MinAreaEachPart     float64 `json:"min_area_each_part" yaml:"min_area_each_part"` // km2
	Seed                uint64  `json:"seed" yaml:"seed"`                             // fill order of the regrowth
}

// MorphologyParams mirrors clump.MorphologyParams.
type MorphologyParams struct {
	ErosionThreshold float64 `json:"erosion_threshold" yaml:"erosion_threshold"` // km
	ReflDivisor      float64 `json:"refl_divisor" yaml:"refl_divisor"`           // dBZ per km
}

// PropsParams feeds the property context built once per run.
type PropsParams struct {
	HailDBZThreshold float64 `json:"hail_dbz_threshold" yaml:"hail_dbz_threshold"`
	ZRCoeff          float64 `json:"zr_coeff" yaml:"zr_coeff"`
	ZRExpon          float64 `json:"zr_expon" yaml:"zr_expon"`
	ZMCoeff          float64 `json:"zm_coeff" yaml:"zm_coeff"`
	ZMExpon          float64 `json:"zm_expon" yaml:"zm_expon"`
	FreezingLevelKm  float64 `json:"freezing_level_km" yaml:"freezing_level_km"`
	DBZHistInterval  float64 `json:"dbz_hist_interval" yaml:"dbz_hist_interval"`
}

// TrackingParams controls the scan-to-scan matcher.
type TrackingParams struct {
	MaxSpeed                  float64 `json:"max_speed" yaml:"max_speed"` // km/h
	WeightDistance            float64 `json:"weight_distance" yaml:"weight_distance"`
	WeightDeltaCubeRootVolume float64 `json:"weight_delta_cube_root_volume" yaml:"weight_delta_cube_root_volume"`
	MaxParents                int     `json:"max_parents" yaml:"max_parents"`
	MaxChildren               int     `json:"max_children" yaml:"max_children"`
	ForecastHistoryLen        int     `json:"forecast_history_len" yaml:"forecast_history_len"`
	MinOverlapFraction        float64 `json:"min_overlap_fraction" yaml:"min_overlap_fraction"`
	MaxScanGap                string  `json:"max_scan_gap" yaml:"max_scan_gap"` // duration; larger gaps restart all tracks
}

// DriverParams controls the identify/track loop and archive placement.
type DriverParams struct {
	ArchiveDir        string `json:"archive_dir" yaml:"archive_dir"`
	ArchivePrefix     string `json:"archive_prefix" yaml:"archive_prefix"`
	DateStampedNames  bool   `json:"date_stamped_names" yaml:"date_stamped_names"`
	HeartbeatInterval string `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	PollInterval      string `json:"poll_interval" yaml:"poll_interval"`
}

// DefaultParams returns the built-in configuration.
func DefaultParams() *Params {
	return &Params{
		Identify: IdentifyParams{
			LowThreshold:     35,
			HighThreshold:    80,
			MinGridOverlap:   1,
			MinStormSize:     30,
			MaxStormSize:     1e6,
			UseDualThreshold: false,
			CheckMorphology:  false,
			DualThreshold: DualThresholdParams{
				DBZ:                 45,
				MinFractionAllParts: 0.5,
				MinFractionEachPart: 0.05,
				MinAreaEachPart:     16,
			},
			Morphology: MorphologyParams{
				ErosionThreshold: 5,
				ReflDivisor:      5,
			},
		},
		Props: PropsParams{
			HailDBZThreshold: 55,
			ZRCoeff:          200,
			ZRExpon:          1.6,
			ZMCoeff:          20465,
			ZMExpon:          1.67,
			FreezingLevelKm:  4.5,
			DBZHistInterval:  5,
		},
		Tracking: TrackingParams{
			MaxSpeed:                  100,
			WeightDistance:            1,
			WeightDeltaCubeRootVolume: 1,
			MaxParents:                8,
			MaxChildren:               8,
			ForecastHistoryLen:        6,
			MinOverlapFraction:        0.3,
			MaxScanGap:                "30m",
		},
		Driver: DriverParams{
			ArchiveDir:        ".",
			ArchivePrefix:     "storms",
			DateStampedNames:  true,
			HeartbeatInterval: "15s",
			PollInterval:      "5s",
		},
	}
}

// Load reads a configuration file. JSON (.json) and YAML (.yaml, .yml)
// are accepted. Fields omitted from the file retain their default values,
// so partial configs are safe.
func Load(path string) (*Params, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	p := DefaultParams()
	if ext == ".json" {
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return p, nil
}

// Validate checks that the configuration values are usable.
func (p *Params) Validate() error {
	id := p.Identify
	if id.HighThreshold <= id.LowThreshold {
		return fmt.Errorf("high_threshold (%g) must exceed low_threshold (%g)", id.HighThreshold, id.LowThreshold)
	}
	if id.MinStormSize < 0 || id.MaxStormSize < id.MinStormSize {
		return fmt.Errorf("storm size range [%g, %g] is invalid", id.MinStormSize, id.MaxStormSize)
	}
	if id.UseDualThreshold {
		dt := id.DualThreshold
		if dt.DBZ <= id.LowThreshold {
			return fmt.Errorf("dual_threshold.dbz (%g) must exceed low_threshold (%g)", dt.DBZ, id.LowThreshold)
		}
		for name, v := range map[string]float64{
			"min_fraction_all_parts": dt.MinFractionAllParts,
			"min_fraction_each_part": dt.MinFractionEachPart,
		} {
			if v < 0 || v > 1 {
				return fmt.Errorf("dual_threshold.%s must be between 0 and 1, got %g", name, v)
			}
		}
		if dt.MinAreaEachPart < 0 {
			return fmt.Errorf("dual_threshold.min_area_each_part must be non-negative, got %g", dt.MinAreaEachPart)
		}
	}
	if id.CheckMorphology {
		if id.Morphology.ReflDivisor <= 0 {
			return fmt.Errorf("morphology.refl_divisor must be positive, got %g", id.Morphology.ReflDivisor)
		}
		if id.Morphology.ErosionThreshold < 0 {
			return fmt.Errorf("morphology.erosion_threshold must be non-negative, got %g", id.Morphology.ErosionThreshold)
		}
	}

	tr := p.Tracking
	if tr.MaxSpeed <= 0 {
		return fmt.Errorf("tracking.max_speed must be positive, got %g", tr.MaxSpeed)
	}
	if tr.WeightDistance < 0 || tr.WeightDeltaCubeRootVolume < 0 {
		return fmt.Errorf("tracking weights must be non-negative")
	}
	if tr.MaxParents < 1 || tr.MaxChildren < 1 {
		return fmt.Errorf("tracking.max_parents and max_children must be at least 1")
	}
	if tr.ForecastHistoryLen < 2 {
		return fmt.Errorf("tracking.forecast_history_len must be at least 2, got %d", tr.ForecastHistoryLen)
	}
	if _, err := parseDuration("tracking.max_scan_gap", tr.MaxScanGap); err != nil {
		return err
	}

	if p.Driver.ArchivePrefix == "" {
		return fmt.Errorf("driver.archive_prefix must not be empty")
	}
	if _, err := parseDuration("driver.heartbeat_interval", p.Driver.HeartbeatInterval); err != nil {
		return err
	}
	if _, err := parseDuration("driver.poll_interval", p.Driver.PollInterval); err != nil {
		return err
	}
	return nil
}

func parseDuration(name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s '%s': %w", name, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", name, s)
	}
	return d, nil
}

// GetMaxScanGap returns tracking.max_scan_gap, or 30m if unparseable.
func (t TrackingParams) GetMaxScanGap() time.Duration {
	d, err := parseDuration("", t.MaxScanGap)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// GetHeartbeatInterval returns driver.heartbeat_interval, or 15s if unparseable.
func (d DriverParams) GetHeartbeatInterval() time.Duration {
	v, err := parseDuration("", d.HeartbeatInterval)
	if err != nil {
		return 15 * time.Second
	}
	return v
}

// GetPollInterval returns driver.poll_interval, or 5s if unparseable.
func (d DriverParams) GetPollInterval() time.Duration {
	v, err := parseDuration("", d.PollInterval)
	if err != nil {
		return 5 * time.Second
	}
	return v
}

// StormFingerprint hashes every parameter that shapes stored storms.
func (p *Params) StormFingerprint() uint64 {
	return fingerprint(struct {
		Identify IdentifyParams
		Props    PropsParams
	}{p.Identify, p.Props})
}

// TrackFingerprint hashes the tracking section together with the storm
// fingerprint, so a track archive is invalidated with its storm archive.
func (p *Params) TrackFingerprint() uint64 {
	return fingerprint(struct {
		Storm    uint64
		Tracking TrackingParams
	}{p.StormFingerprint(), p.Tracking})
}

func fingerprint(v any) uint64 {
	// encoding/json emits struct fields in declaration order, so the
	// encoding is canonical for a given build.
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("config: fingerprint encode: %v", err))
	}
	return xxhash.Sum64(data)
}
