package delta

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Config is the YAML run configuration.
type Config struct {
	Frames          FrameRange   `yaml:"frames" json:"frames"`
	Strategy        Strategy     `yaml:"strategy" json:"strategy"`
	MatchMode       MatchMode    `yaml:"matchMode" json:"matchMode"`
	AxisFlip        string       `yaml:"axisFlip" json:"axisFlip"` // none, x, y or z
	FlipRotation    bool         `yaml:"flipRotation,omitempty" json:"flipRotation,omitempty"`
	Attenuation     Attenuation  `yaml:"attenuation" json:"attenuation"`
	ClipRange       *ClipRange   `yaml:"clipRange,omitempty" json:"clipRange,omitempty"`
	MinMatchPercent float64      `yaml:"minMatchPercent,omitempty" json:"minMatchPercent,omitempty"`
	Workers         int          `yaml:"workers,omitempty" json:"workers,omitempty"` // 0 = GOMAXPROCS
	Source          SourceConfig `yaml:"source" json:"source"`
	Output          OutputConfig `yaml:"output" json:"output"`
	MQTT            MQTTConfig   `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	HTTP            HTTPConfig   `yaml:"http,omitempty" json:"http,omitempty"`
}

// SourceConfig locates frame inputs.
type SourceConfig struct {
	Format     SourceFormat `yaml:"format" json:"format"`
	Dir        string       `yaml:"dir,omitempty" json:"dir,omitempty"`
	Pattern    string       `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	URL        string       `yaml:"url,omitempty" json:"url,omitempty"`               // pattern with a frame verb
	MaxRetries int          `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"` // http only
	// Reference optionally reads the base frame from a different location.
	Reference *SourceConfig `yaml:"reference,omitempty" json:"reference,omitempty"`
}

// OutputConfig controls where delta files go.
type OutputConfig struct {
	Dir     string `yaml:"dir" json:"dir"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Report  string `yaml:"report,omitempty" json:"report,omitempty"` // run report file name inside Dir, empty disables
}

// MQTTConfig holds MQTT connection settings for report publishing.
type MQTTConfig struct {
	Broker      string `yaml:"broker" json:"broker"`
	TopicPrefix string `yaml:"topicPrefix" json:"topicPrefix"`
	ClientID    string `yaml:"clientId" json:"clientId"`
	Username    string `yaml:"username,omitempty" json:"username,omitempty"`
	Password    string `yaml:"password,omitempty" json:"-"`
}

// HTTPConfig configures the artifact server.
type HTTPConfig struct {
	Port int `yaml:"port" json:"port"`
}

// DefaultReportName is the run report file written next to the deltas.
const DefaultReportName = "run-report.json"

// DefaultConfig returns the configuration used for keys absent from a file.
func DefaultConfig() *Config {
	return &Config{
		Frames:      FrameRange{First: 1, Last: 1, Base: 1},
		Strategy:    StrategyFrameToBase,
		MatchMode:   MatchAuto,
		AxisFlip:    "none",
		Attenuation: UniformAttenuation(1),
		Source:      SourceConfig{Format: FormatPLY},
		Output:      OutputConfig{Pattern: DefaultOutputPattern, Report: DefaultReportName},
		MQTT:        MQTTConfig{TopicPrefix: "splatdelta", ClientID: "splatdelta"},
		HTTP:        HTTPConfig{Port: 4700},
	}
}

// UnmarshalYAML accepts either a single multiplier for every attribute or a
// mapping with per-attribute values. Omitted attributes keep 1.0.
func (a *Attenuation) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var f float32
		if err := value.Decode(&f); err != nil {
			return fmt.Errorf("attenuation: %w", err)
		}
		*a = UniformAttenuation(f)
		return nil
	}
	type plain Attenuation
	p := plain(UniformAttenuation(1))
	if err := value.Decode(&p); err != nil {
		return fmt.Errorf("attenuation: %w", err)
	}
	*a = Attenuation(p)
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if err := c.Frames.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		result = multierror.Append(result, err)
	}
	switch c.MatchMode {
	case "", MatchAuto, MatchForceSpatial:
	default:
		result = multierror.Append(result, fmt.Errorf("matchMode %q must be auto or spatial", c.MatchMode))
	}
	if _, err := ParseAxis(c.AxisFlip); err != nil {
		result = multierror.Append(result, fmt.Errorf("axisFlip: %w", err))
	}

	for _, a := range []struct {
		name string
		v    float32
	}{
		{"position", c.Attenuation.Position},
		{"rotation", c.Attenuation.Rotation},
		{"scale", c.Attenuation.Scale},
		{"opacity", c.Attenuation.Opacity},
	} {
		name, v := a.name, a.v
		if v < 0 || math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			result = multierror.Append(result, fmt.Errorf("attenuation.%s must be a finite value >= 0, got %v", name, v))
		}
	}

	if cr := c.ClipRange; cr != nil {
		if !isFinite32(cr.Low) || !isFinite32(cr.High) {
			result = multierror.Append(result, fmt.Errorf("clipRange bounds must be finite"))
		} else if cr.Low > cr.High {
			result = multierror.Append(result, fmt.Errorf("clipRange low %v is above high %v", cr.Low, cr.High))
		}
	}
	if c.MinMatchPercent < 0 || c.MinMatchPercent > 100 {
		result = multierror.Append(result, fmt.Errorf("minMatchPercent must be within [0, 100]"))
	}
	if c.Workers < 0 {
		result = multierror.Append(result, fmt.Errorf("workers must not be negative"))
	}

	if err := c.Source.validate("source"); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Source.Reference != nil {
		if err := c.Source.Reference.validate("source.reference"); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if c.Output.Dir == "" {
		result = multierror.Append(result, fmt.Errorf("output.dir is required"))
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}

	return result.ErrorOrNil()
}

func (s *SourceConfig) validate(field string) error {
	switch s.Format {
	case FormatHTTP:
		if s.URL == "" {
			return fmt.Errorf("%s.url is required for http sources", field)
		}
	case "", FormatPLY, FormatBuffers:
		if s.Dir == "" {
			return fmt.Errorf("%s.dir is required", field)
		}
	default:
		return fmt.Errorf("%s.format %q must be ply, buffers or http", field, s.Format)
	}
	return nil
}

// ComputeOptions converts the stabilisation settings.
func (c *Config) ComputeOptions() (ComputeOptions, error) {
	axis, err := ParseAxis(c.AxisFlip)
	if err != nil {
		return ComputeOptions{}, err
	}
	opts := ComputeOptions{
		AxisFlip:     axis,
		FlipRotation: c.FlipRotation,
		Attenuation:  c.Attenuation,
		Workers:      c.Workers,
	}
	if c.ClipRange != nil {
		cr := *c.ClipRange
		opts.Clip = &cr
	}
	return opts, nil
}

// TrackerOptions converts the frame chain settings.
func (c *Config) TrackerOptions() (TrackerOptions, error) {
	strategy, err := ParseStrategy(string(c.Strategy))
	if err != nil {
		return TrackerOptions{}, err
	}
	co, err := c.ComputeOptions()
	if err != nil {
		return TrackerOptions{}, err
	}
	return TrackerOptions{Strategy: strategy, Compute: co, MinMatchPercent: c.MinMatchPercent}, nil
}

// Resolver returns a resolver honouring MatchMode and Workers.
func (c *Config) Resolver() *Resolver {
	r := NewResolver(c.Workers)
	if c.MatchMode == MatchForceSpatial {
		r.Mode = MatchForceSpatial
	}
	return r
}

// NewSource builds the frame source described by sc.
func (sc SourceConfig) NewSource() (FrameSource, error) {
	switch sc.Format {
	case FormatHTTP:
		var opts []FetchOption
		if sc.MaxRetries > 0 {
			opts = append(opts, WithMaxRetries(sc.MaxRetries))
		}
		return NewHTTPSource(sc.URL, opts...)
	default:
		return NewDirSource(sc.Dir, sc.Pattern, sc.Format)
	}
}

// ApplyEnv overrides MQTT settings from MQTT_BROKER, MQTT_CLIENT_ID,
// MQTT_USERNAME, MQTT_PASSWORD and MQTT_TOPIC_PREFIX.
func (c *Config) ApplyEnv() {
	for env, dst := range map[string]*string{
		"MQTT_BROKER":       &c.MQTT.Broker,
		"MQTT_CLIENT_ID":    &c.MQTT.ClientID,
		"MQTT_USERNAME":     &c.MQTT.Username,
		"MQTT_PASSWORD":     &c.MQTT.Password,
		"MQTT_TOPIC_PREFIX": &c.MQTT.TopicPrefix,
	} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*dst = v
		}
	}
}

func isFinite32(f float32) bool {
	return !math.IsNaN(float64(f)) && !math.IsInf(float64(f), 0)
}
