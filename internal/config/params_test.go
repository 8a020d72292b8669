package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultParams_Valid(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultParams().Validate())
}

func TestLoad_PartialJSONKeepsDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "params.json", `{"identify": {"low_threshold": 30}, "tracking": {"max_speed": 80}}`)

	p, err := Load(path)
	require.NoError(t, err)

	def := DefaultParams()
	assert.Equal(t, 30.0, p.Identify.LowThreshold)
	assert.Equal(t, def.Identify.HighThreshold, p.Identify.HighThreshold)
	assert.Equal(t, 80.0, p.Tracking.MaxSpeed)
	assert.Equal(t, def.Tracking.MaxParents, p.Tracking.MaxParents)
	assert.Equal(t, def.Props, p.Props)
}

func TestLoad_YAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "params.yaml", `
identify:
  use_dual_threshold: true
  dual_threshold:
    dbz: 50
    seed: 7
driver:
  heartbeat_interval: 2s
`)
	p, err := Load(path)
	require.NoError(t, err)
	assert.True(t, p.Identify.UseDualThreshold)
	assert.Equal(t, 50.0, p.Identify.DualThreshold.DBZ)
	assert.Equal(t, uint64(7), p.Identify.DualThreshold.Seed)
	assert.Equal(t, DefaultParams().Identify.DualThreshold.MinAreaEachPart, p.Identify.DualThreshold.MinAreaEachPart)
	assert.Equal(t, 2*time.Second, p.Driver.GetHeartbeatInterval())
}

func TestLoad_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"extension", "params.txt", `{}`, "extension"},
		{"bad json", "params.json", `{`, "parse config JSON"},
		{"bad yaml", "params.yml", "identify: [", "parse config YAML"},
		{"thresholds", "params.json", `{"identify": {"low_threshold": 50, "high_threshold": 40}}`, "high_threshold"},
		{"max speed", "params.json", `{"tracking": {"max_speed": 0}}`, "max_speed"},
		{"heartbeat", "params.json", `{"driver": {"heartbeat_interval": "soon"}}`, "heartbeat_interval"},
		{"dual fraction", "params.json", `{"identify": {"use_dual_threshold": true, "dual_threshold": {"min_fraction_each_part": 2}}}`, "min_fraction_each_part"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_TooLarge(t *testing.T) {
	t.Parallel()
	body := `{"driver": {"archive_prefix": "` + strings.Repeat("x", 1024*1024) + `"}}`
	_, err := Load(writeConfig(t, "big.json", body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestFingerprints(t *testing.T) {
	t.Parallel()

	a := DefaultParams()
	b := DefaultParams()
	assert.Equal(t, a.StormFingerprint(), b.StormFingerprint())
	assert.Equal(t, a.TrackFingerprint(), b.TrackFingerprint())

	// Driver settings never invalidate archives.
	b.Driver.HeartbeatInterval = "1m"
	assert.Equal(t, a.StormFingerprint(), b.StormFingerprint())
	assert.Equal(t, a.TrackFingerprint(), b.TrackFingerprint())

	// Tracking changes only the track fingerprint.
	b.Tracking.MaxSpeed = 150
	assert.Equal(t, a.StormFingerprint(), b.StormFingerprint())
	assert.NotEqual(t, a.TrackFingerprint(), b.TrackFingerprint())

	// Identification changes both.
	c := DefaultParams()
	c.Identify.LowThreshold = 30
	assert.NotEqual(t, a.StormFingerprint(), c.StormFingerprint())
	assert.NotEqual(t, a.TrackFingerprint(), c.TrackFingerprint())

	// So does the regrowth seed.
	c = DefaultParams()
	c.Identify.DualThreshold.Seed = 7
	assert.NotEqual(t, a.StormFingerprint(), c.StormFingerprint())
}

func TestDurationGetters_FallBack(t *testing.T) {
	t.Parallel()
	var tr TrackingParams
	assert.Equal(t, 30*time.Minute, tr.GetMaxScanGap())
	var d DriverParams
	assert.Equal(t, 15*time.Second, d.GetHeartbeatInterval())
	assert.Equal(t, 5*time.Second, d.GetPollInterval())
}
