package align

import "fmt"

// Config is the full configuration file
type Config struct {
	Registration RegistrationConfig `yaml:"registration" json:"registration" toml:"registration"`
	Boundary     BoundaryOptions    `yaml:"boundary" json:"boundary" toml:"boundary"`
	Transfer     TransferConfig     `yaml:"transfer" json:"transfer" toml:"transfer"`
	Export       ExportConfig       `yaml:"export" json:"export" toml:"export"`
	MQTT         MQTTConfig         `yaml:"mqtt" json:"mqtt" toml:"mqtt"`
	HTTP         HTTPConfig         `yaml:"http" json:"http" toml:"http"`
	Log          LogConfig          `yaml:"log" json:"log" toml:"log"`
}

// TransferConfig controls label transfer warnings
type TransferConfig struct {
	UnassignedThreshold float64 `yaml:"unassignedThreshold" json:"unassignedThreshold" toml:"unassigned_threshold"`
	MinConfidence       float64 `yaml:"minConfidence" json:"minConfidence" toml:"min_confidence"` // below this a low-confidence warning is raised
}

// ExportConfig describes the device calibration, its reachable envelope and
// how shapes are sequenced. Either Scale or three or more reference point
// pairs define the calibration.
type ExportConfig struct {
	Scale        float64 `yaml:"scale" json:"scale" toml:"scale"` // device units per slice pixel
	RotationDeg  float64 `yaml:"rotationDeg" json:"rotationDeg" toml:"rotation_deg"`
	Offset       Point   `yaml:"offset" json:"offset" toml:"offset"`
	PixelPoints  []Point `yaml:"pixelPoints,omitempty" json:"pixelPoints,omitempty" toml:"pixel_points"`
	DevicePoints []Point `yaml:"devicePoints,omitempty" json:"devicePoints,omitempty" toml:"device_points"`
	EnvelopeMin  Point   `yaml:"envelopeMin" json:"envelopeMin" toml:"envelope_min"`
	EnvelopeMax  Point   `yaml:"envelopeMax" json:"envelopeMax" toml:"envelope_max"`
	Order        string  `yaml:"order" json:"order" toml:"order"` // region, nearest or exact
	MaxResidual  float64 `yaml:"maxResidual" json:"maxResidual" toml:"max_residual"` // device units, 0 accepts any point fit
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker" toml:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix" toml:"publish_prefix"`
	ClientID      string `yaml:"clientId" json:"clientId" toml:"client_id"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty" toml:"username"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty" toml:"password"`
	QoS           byte   `yaml:"qos" json:"qos" toml:"qos"`
	Retain        bool   `yaml:"retain" json:"retain" toml:"retain"` // retain published geometry on the broker
}

// HTTPConfig holds the review server settings
type HTTPConfig struct {
	Listen string `yaml:"listen" json:"listen" toml:"listen"`
}

// LogConfig selects the log level and console output
type LogConfig struct {
	Level  string `yaml:"level" json:"level" toml:"level"`
	Pretty bool   `yaml:"pretty" json:"pretty" toml:"pretty"`
}

// DefaultConfig returns a configuration usable without a file: unit scale
// calibration, a 100k-unit envelope and nearest-neighbour ordering
func DefaultConfig() *Config {
	return &Config{
		Registration: DefaultRegistrationConfig(),
		Boundary:     BoundaryOptions{Tolerance: 1.0, MinArea: 20},
		Transfer: TransferConfig{
			UnassignedThreshold: DefaultUnassignedThreshold,
			MinConfidence:       0.3,
		},
		Export: ExportConfig{
			Scale:       1,
			EnvelopeMax: Point{X: 100000, Y: 100000},
			Order:       "nearest",
		},
		MQTT: MQTTConfig{PublishPrefix: "slicealign", ClientID: "slicealign", QoS: 1, Retain: true},
		HTTP: HTTPConfig{Listen: ":4040"},
		Log:  LogConfig{Level: "info", Pretty: true},
	}
}

// Calibration builds the pixel→device calibration from the export section
func (e ExportConfig) Calibration() (Calibration, error) {
	if len(e.PixelPoints) > 0 || len(e.DevicePoints) > 0 {
		cal, err := CalibrationFromPoints(e.PixelPoints, e.DevicePoints)
		if err != nil {
			return Calibration{}, fmt.Errorf("export calibration: %w", err)
		}
		if r := cal.Residual(); e.MaxResidual > 0 && r > e.MaxResidual {
			return Calibration{}, fmt.Errorf("export calibration: reference points fit with residual %.3g, above %.3g", r, e.MaxResidual)
		}
		return cal, nil
	}
	if e.Scale <= 0 {
		return Calibration{}, fmt.Errorf("export.scale must be positive, got %g", e.Scale)
	}
	return NewCalibration(e.Scale, e.RotationDeg, e.Offset), nil
}

// Envelope returns the device envelope of the export section
func (e ExportConfig) Envelope() DeviceEnvelope {
	return NewDeviceEnvelope(e.EnvelopeMin, e.EnvelopeMax)
}

// Policy returns the configured cut order policy
func (e ExportConfig) Policy() CutOrderPolicy {
	return PolicyByName(e.Order)
}

// Validate checks values that would otherwise fail deep inside a run
func (c *Config) Validate() error {
	if _, err := c.Export.Calibration(); err != nil {
		return err
	}
	if c.Export.EnvelopeMax.X <= c.Export.EnvelopeMin.X || c.Export.EnvelopeMax.Y <= c.Export.EnvelopeMin.Y {
		return fmt.Errorf("export envelope is empty: min %v, max %v", c.Export.EnvelopeMin, c.Export.EnvelopeMax)
	}
	switch c.Export.Order {
	case "", "region", "nearest", "exact":
	default:
		return fmt.Errorf("unknown export.order %q", c.Export.Order)
	}
	switch c.Registration.Metric {
	case "", "ncc", "mi", "mutual_information":
	default:
		return fmt.Errorf("unknown registration.metric %q", c.Registration.Metric)
	}
	switch c.Registration.Regularizer {
	case "", "gaussian", "diffusion":
	default:
		return fmt.Errorf("unknown registration.regularizer %q", c.Registration.Regularizer)
	}
	if t := c.Transfer.UnassignedThreshold; t < 0 || t > 1 {
		return fmt.Errorf("transfer.unassignedThreshold must be in [0, 1], got %g", t)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.Boundary.Tolerance < 0 {
		return fmt.Errorf("boundary.tolerance must not be negative")
	}
	return nil
}
