package config

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// BMC access, set from command line flags
	BMCScheme  string        `yaml:"-"`
	BMCTimeout time.Duration `yaml:"-"`
	SSLVerify  bool          `yaml:"-"`
	User       string        `yaml:"-"`
	Pass       string        `yaml:"-"`

	Chassis   Chassis   `yaml:"chassis"`
	Fans      Fans      `yaml:"fans"`
	Lifecycle Lifecycle `yaml:"lifecycle"`
	Device    Device    `yaml:"device"`
	Serial    Serial    `yaml:"serial"`
	Redfish   Redfish   `yaml:"redfish"`
	Modbus    Modbus    `yaml:"modbus"`
	Vault     Vault     `yaml:"vault"`
}

type Chassis struct {
	Population         int           `yaml:"population"`
	PsuCount           int           `yaml:"psu_count"`
	PsuPollConcurrency int           `yaml:"psu_poll_concurrency"`
	PsuReadTimeout     time.Duration `yaml:"psu_read_timeout"`
	AltitudeFeet       int           `yaml:"altitude_feet"`
	AltitudeCorrection float64       `yaml:"altitude_correction_factor"`
	DefaultOperations  bool          `yaml:"default_operations"`
	DecompressionTime  time.Duration `yaml:"decompression_time"`
}

type Fans struct {
	Count             int  `yaml:"count"`
	MinPWM            byte `yaml:"min_pwm"`
	MaxPWM            byte `yaml:"max_pwm"`
	StepPWM           byte `yaml:"step_pwm"`
	MinRPM            int  `yaml:"min_rpm"`
	MonitoringEnabled bool `yaml:"monitoring_enabled"`
}

type Lifecycle struct {
	Period        time.Duration `yaml:"period"`
	MaxFailCount  int           `yaml:"max_fail_count"`
	SensorID      byte          `yaml:"sensor_id"`
	LowThreshold  float64       `yaml:"low_threshold"`
	HighThreshold float64       `yaml:"high_threshold"`
}

type Device struct {
	Period          time.Duration `yaml:"period"`
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout"`
}

type Serial struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
}

type Redfish struct {
	// BMCs maps blade id to BMC address
	BMCs                 map[int]string `yaml:"bmcs"`
	RetryMax             int            `yaml:"retry_max"`
	DefaultOpsConstraint string         `yaml:"default_operations_firmware"`
}

type Modbus struct {
	Endpoint string        `yaml:"endpoint"`
	UnitID   byte          `yaml:"unit_id"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Vault describes where BMC credentials live in a kv secrets engine. With
// SecretName empty each BMC host has its own secret.
type Vault struct {
	MountPath     string `yaml:"mount_path"`
	Path          string `yaml:"path"`
	SecretName    string `yaml:"secret_name"`
	UserField     string `yaml:"user_field"`
	PasswordField string `yaml:"password_field"`
}

var (
	config *Config
	once   sync.Once

	ErrInvalidConfig = errors.New("invalid configuration")
)

// Default returns the configuration of a fully populated chassis.
func Default() *Config {
	return &Config{
		BMCScheme:  "https",
		BMCTimeout: 15 * time.Second,
		Chassis: Chassis{
			Population:         24,
			PsuCount:           6,
			PsuPollConcurrency: 1,
			PsuReadTimeout:     5 * time.Second,
			AltitudeCorrection: 0.032,
			DecompressionTime:  60 * time.Second,
		},
		Fans: Fans{
			Count:             6,
			MinPWM:            20,
			MaxPWM:            100,
			StepPWM:           10,
			MinRPM:            100,
			MonitoringEnabled: true,
		},
		Lifecycle: Lifecycle{
			Period:        10 * time.Second,
			MaxFailCount:  2,
			SensorID:      1,
			LowThreshold:  0,
			HighThreshold: 100,
		},
		Device: Device{
			Period:          10 * time.Second,
			WatchdogTimeout: 45 * time.Second,
		},
		Serial: Serial{
			InactivityTimeout: 2 * time.Minute,
		},
		Redfish: Redfish{
			RetryMax:             2,
			DefaultOpsConstraint: ">= 2.0",
		},
		Modbus: Modbus{
			UnitID:  1,
			Timeout: 2 * time.Second,
		},
		Vault: Vault{
			MountPath:     "kv2",
			UserField:     "user",
			PasswordField: "password",
		},
	}
}

// Load reads a yaml file on top of the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s - %w", path, err)
	}

	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parsing config file %s - %w", path, err)
	}

	return c, nil
}

// Validate checks ranges and the relationships between settings.
func (c *Config) Validate() error {
	var errs []error

	if c.Chassis.Population < 1 {
		errs = append(errs, fmt.Errorf("chassis.population must be > 0, got %d", c.Chassis.Population))
	}
	if c.Chassis.PsuCount < 0 {
		errs = append(errs, fmt.Errorf("chassis.psu_count must be >= 0, got %d", c.Chassis.PsuCount))
	}
	if c.Chassis.PsuPollConcurrency < 1 {
		errs = append(errs, fmt.Errorf("chassis.psu_poll_concurrency must be > 0, got %d", c.Chassis.PsuPollConcurrency))
	}
	if c.Chassis.PsuReadTimeout < 0 {
		errs = append(errs, fmt.Errorf("chassis.psu_read_timeout must not be negative, got %s", c.Chassis.PsuReadTimeout))
	}
	if c.Chassis.AltitudeFeet < 0 || c.Chassis.AltitudeCorrection < 0 {
		errs = append(errs, errors.New("chassis altitude and correction factor must not be negative"))
	}
	if c.Fans.Count < 1 {
		errs = append(errs, fmt.Errorf("fans.count must be > 0, got %d", c.Fans.Count))
	}
	if c.Fans.MinPWM >= c.Fans.MaxPWM {
		errs = append(errs, fmt.Errorf("fans.min_pwm (%d) must be below fans.max_pwm (%d)", c.Fans.MinPWM, c.Fans.MaxPWM))
	}
	if c.Fans.MaxPWM > 100 {
		errs = append(errs, fmt.Errorf("fans.max_pwm must be <= 100, got %d", c.Fans.MaxPWM))
	}
	if c.Fans.StepPWM == 0 {
		errs = append(errs, errors.New("fans.step_pwm must be > 0"))
	}
	if c.Lifecycle.Period <= 0 {
		errs = append(errs, errors.New("lifecycle.period must be > 0"))
	}
	if c.Lifecycle.MaxFailCount < 0 {
		errs = append(errs, errors.New("lifecycle.max_fail_count must be >= 0"))
	}
	if c.Device.Period <= 0 {
		errs = append(errs, errors.New("device.period must be > 0"))
	}
	// the watchdog resets the platform if it is not pet in time
	if c.Device.WatchdogTimeout > 0 && 2*c.Device.Period >= c.Device.WatchdogTimeout {
		errs = append(errs, fmt.Errorf("device.period %s leaves no margin under device.watchdog_timeout %s",
			c.Device.Period, c.Device.WatchdogTimeout))
	}
	if c.Serial.InactivityTimeout <= 0 {
		errs = append(errs, errors.New("serial.inactivity_timeout must be > 0"))
	}
	for id := range c.Redfish.BMCs {
		if id < 1 || id > c.Chassis.Population {
			errs = append(errs, fmt.Errorf("redfish.bmcs has blade id %d outside 1..%d", id, c.Chassis.Population))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w - %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func NewConfig(c *Config) {
	once.Do(func() {
		if c != nil {
			config = c
		} else {
			config = Default()
		}
	})
}

func GetConfig() *Config {
	if config != nil {
		return config
	}

	NewConfig(nil)
	return config
}
