package delta

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/go-multierror"
)

const sampleConfig = `
frames:
  first: 1
  last: 40
strategy: frame_to_previous
matchMode: spatial
axisFlip: z
flipRotation: true
attenuation:
  position: 0.5
  opacity: 0
clipRange:
  low: -2
  high: 2
minMatchPercent: 60
workers: 3
source:
  format: buffers
  dir: /data/frames
  reference:
    format: ply
    dir: /data/reference
output:
  dir: /data/out
mqtt:
  broker: tcp://broker:1883
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.Frames != (FrameRange{First: 1, Last: 40, Base: 1}) {
		t.Errorf("Frames = %+v, want base defaulted to first", cfg.Frames)
	}
	if cfg.Strategy != StrategyFrameToPrevious || cfg.MatchMode != MatchForceSpatial {
		t.Errorf("Strategy/MatchMode = %s/%s", cfg.Strategy, cfg.MatchMode)
	}
	want := Attenuation{Position: 0.5, Rotation: 1, Scale: 1, Opacity: 0}
	if cfg.Attenuation != want {
		t.Errorf("Attenuation = %+v, want %+v", cfg.Attenuation, want)
	}
	if cfg.ClipRange == nil || *cfg.ClipRange != (ClipRange{Low: -2, High: 2}) {
		t.Errorf("ClipRange = %v", cfg.ClipRange)
	}
	if cfg.Source.Reference == nil || cfg.Source.Reference.Dir != "/data/reference" {
		t.Errorf("Source.Reference = %+v", cfg.Source.Reference)
	}
	// Defaults survive for keys the file does not set.
	if cfg.Output.Pattern != DefaultOutputPattern || cfg.Output.Report != DefaultReportName {
		t.Errorf("Output defaults lost: %+v", cfg.Output)
	}
	if cfg.MQTT.TopicPrefix != "splatdelta" || cfg.HTTP.Port != 4700 {
		t.Errorf("MQTT/HTTP defaults lost: %+v %+v", cfg.MQTT, cfg.HTTP)
	}
}

func TestLoadConfig_ScalarAttenuation(t *testing.T) {
	cfg, err := ParseConfig([]byte("attenuation: 0.25\n"))
	if err != nil {
		t.Fatalf("ParseConfig() error: %v", err)
	}
	if cfg.Attenuation != UniformAttenuation(0.25) {
		t.Errorf("Attenuation = %+v, want uniform 0.25", cfg.Attenuation)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("missing file error = %v", err)
	}
	if _, err := LoadConfig(writeConfig(t, "frames: [1, 2\n")); err == nil || !strings.Contains(err.Error(), "parsing config YAML") {
		t.Errorf("bad YAML error = %v", err)
	}
	if _, err := ParseConfig([]byte("attenuation: lots\n")); err == nil {
		t.Error("expected error for non-numeric attenuation")
	}
	if _, err := LoadConfig(writeConfig(t, "frames: {first: 1, last: 2}\n")); err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Errorf("invalid config error = %v", err)
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Frames = FrameRange{First: 5, Last: 2, Base: 5}
	cfg.Strategy = "sideways"
	cfg.MatchMode = "psychic"
	cfg.AxisFlip = "w"
	cfg.Attenuation.Scale = -1
	cfg.ClipRange = &ClipRange{Low: 3, High: 1}
	cfg.MinMatchPercent = 120
	cfg.Workers = -2
	cfg.Source = SourceConfig{Format: "tape"}
	cfg.HTTP.Port = 70000

	err := cfg.Validate()
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("Validate() = %v, want *multierror.Error", err)
	}
	// every field above plus the missing output dir
	if len(merr.Errors) != 11 {
		t.Errorf("got %d errors, want 11:\n%v", len(merr.Errors), err)
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output.Dir = "out"
	cfg.Source.Dir = "in"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v", err)
	}
}

func TestParseConfigBaseFollowsFirst(t *testing.T) {
	cfg, err := ParseConfig([]byte("frames:\n  first: 5\n  last: 9\n"))
	if err != nil {
		t.Fatalf("ParseConfig() error: %v", err)
	}
	if cfg.Frames != (FrameRange{First: 5, Last: 9, Base: 5}) {
		t.Errorf("Frames = %+v, want base 5", cfg.Frames)
	}
}

func TestValidate_AttenuationOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output.Dir = "out"
	cfg.Source.Dir = "in"
	nan := float32(math.NaN())
	cfg.Attenuation = Attenuation{Position: -1, Rotation: nan, Scale: -2, Opacity: nan}

	want := cfg.Validate().Error()
	for range 20 {
		if got := cfg.Validate().Error(); got != want {
			t.Fatalf("Validate() message changed between calls:\n%s\n%s", want, got)
		}
	}
	var order []int
	for _, name := range []string{"position", "rotation", "scale", "opacity"} {
		order = append(order, strings.Index(want, "attenuation."+name))
	}
	for i := 1; i < len(order); i++ {
		if order[i-1] < 0 || order[i] <= order[i-1] {
			t.Fatalf("attenuation errors out of order: %v\n%s", order, want)
		}
	}
}

func TestValidate_Sources(t *testing.T) {
	tests := []struct {
		name    string
		src     SourceConfig
		wantErr string
	}{
		{"ply dir", SourceConfig{Format: FormatPLY, Dir: "in"}, ""},
		{"buffers needs dir", SourceConfig{Format: FormatBuffers}, "source.dir is required"},
		{"http needs url", SourceConfig{Format: FormatHTTP}, "source.url is required"},
		{"reference checked", SourceConfig{Format: FormatPLY, Dir: "in", Reference: &SourceConfig{Format: FormatHTTP}}, "source.reference.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Output.Dir = "out"
			cfg.Source = tt.src
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://env:1883")
	t.Setenv("MQTT_TOPIC_PREFIX", " lab ")
	t.Setenv("MQTT_USERNAME", "")

	cfg, err := ReadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("ReadConfig() error: %v", err)
	}
	if cfg.MQTT.Broker != "tcp://env:1883" {
		t.Errorf("Broker = %q, want env override", cfg.MQTT.Broker)
	}
	if cfg.MQTT.TopicPrefix != "lab" {
		t.Errorf("TopicPrefix = %q, want trimmed env override", cfg.MQTT.TopicPrefix)
	}
	if cfg.MQTT.ClientID != "splatdelta" {
		t.Errorf("ClientID = %q, want default", cfg.MQTT.ClientID)
	}
}

func TestConfigDerivedOptions(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig() error: %v", err)
	}

	topts, err := cfg.TrackerOptions()
	if err != nil {
		t.Fatalf("TrackerOptions() error: %v", err)
	}
	if topts.Strategy != StrategyFrameToPrevious || topts.MinMatchPercent != 60 {
		t.Errorf("TrackerOptions = %+v", topts)
	}
	co := topts.Compute
	if co.AxisFlip != AxisZ || !co.FlipRotation || co.Workers != 3 {
		t.Errorf("ComputeOptions = %+v", co)
	}
	// The clip range is copied, not shared.
	co.Clip.High = 99
	if cfg.ClipRange.High != 2 {
		t.Error("ComputeOptions shares the config clip range")
	}

	r := cfg.Resolver()
	if r.Mode != MatchForceSpatial || r.Workers != 3 {
		t.Errorf("Resolver = %+v", r)
	}

	src, err := cfg.Source.NewSource()
	if err != nil {
		t.Fatalf("NewSource() error: %v", err)
	}
	if ds, ok := src.(*DirSource); !ok || ds.Format != FormatBuffers {
		t.Errorf("NewSource() = %T %+v", src, src)
	}
	ref, err := cfg.Source.Reference.NewSource()
	if err != nil {
		t.Fatalf("reference NewSource() error: %v", err)
	}
	if ds, ok := ref.(*DirSource); !ok || ds.Format != FormatPLY {
		t.Errorf("reference NewSource() = %T", ref)
	}

	hs, err := SourceConfig{Format: FormatHTTP, URL: "http://cam/%d.ply", MaxRetries: 5}.NewSource()
	if err != nil {
		t.Fatalf("http NewSource() error: %v", err)
	}
	if h, ok := hs.(*HTTPSource); !ok || h.cfg.maxRetries != 5 {
		t.Errorf("http NewSource() = %T", hs)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig() error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "saved.yaml")
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig() error: %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if got.Attenuation != cfg.Attenuation || got.Frames != cfg.Frames || *got.ClipRange != *cfg.ClipRange {
		t.Errorf("round trip mismatch: %+v vs %+v", got, cfg)
	}
}
