// Package config loads the clock's configuration.  The configuration is read once at startup and
// never changes afterwards; every component receives the values it needs from the Config returned
// by Load.
package config

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // the device may not ship a zoneinfo database

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation error.  A configuration that fails validation must stop
// the program before any loop starts.
var ErrInvalid = errors.New("configuration invalid")

// Drivers that can push the pixel buffer to hardware.
const (
	DriverHUB75  = "hub75"
	DriverAPA102 = "apa102"
	DriverNone   = "none"
)

// Time services that can be used to synchronize the clock.
const (
	ServiceChrony = "chrony"
	ServiceGPSD   = "gpsd"
)

// Unused marks a pin that is not connected.
const Unused = -1

// Pins are the GPIO numbers of the HUB75 control lines.  Column data goes out over SPI.
type Pins struct {
	LAT int `mapstructure:"lat" yaml:"lat"`
	A   int `mapstructure:"a" yaml:"a"`
	B   int `mapstructure:"b" yaml:"b"`
	C   int `mapstructure:"c" yaml:"c"`
	D   int `mapstructure:"d" yaml:"d"`
	E   int `mapstructure:"e" yaml:"e"`
	OE  int `mapstructure:"oe" yaml:"oe"`
}

// Address returns the row address pins, least significant bit first.
func (p Pins) Address() []int {
	return []int{p.A, p.B, p.C, p.D, p.E}
}

// Config is the full set of clock settings.
type Config struct {
	Timezone     string `mapstructure:"timezone" yaml:"timezone"`
	TwelveHour   bool   `mapstructure:"twelve-hour" yaml:"twelve-hour"`
	ForceRefresh bool   `mapstructure:"force-refresh" yaml:"force-refresh"`
	BlinkColon   bool   `mapstructure:"blink-colon" yaml:"blink-colon"`
	DeviceID     string `mapstructure:"device-id" yaml:"device-id"`

	TimeService            string        `mapstructure:"time-service" yaml:"time-service"`
	ChronyAddr             string        `mapstructure:"chrony-addr" yaml:"chrony-addr"`
	GPSDAddr               string        `mapstructure:"gpsd-addr" yaml:"gpsd-addr"`
	ConnectAttemptLimit    int           `mapstructure:"connect-attempt-limit" yaml:"connect-attempt-limit"`
	ConnectAttemptInterval time.Duration `mapstructure:"connect-attempt-interval" yaml:"connect-attempt-interval"`
	ConnectAttemptTimeout  time.Duration `mapstructure:"connect-attempt-timeout" yaml:"connect-attempt-timeout"`
	SyncInterval           time.Duration `mapstructure:"sync-interval" yaml:"sync-interval"`

	Driver            string        `mapstructure:"driver" yaml:"driver"`
	Pins              Pins          `mapstructure:"pins" yaml:"pins"`
	SPIPort           string        `mapstructure:"spi-port" yaml:"spi-port"`
	SPISpeedHz        int64         `mapstructure:"spi-speed-hz" yaml:"spi-speed-hz"`
	PanelWidth        int           `mapstructure:"panel-width" yaml:"panel-width"`
	PanelHeight       int           `mapstructure:"panel-height" yaml:"panel-height"`
	PanelChain        int           `mapstructure:"panel-chain" yaml:"panel-chain"`
	ScanRate          int           `mapstructure:"scan-rate" yaml:"scan-rate"`
	RefreshHz         int           `mapstructure:"refresh-hz" yaml:"refresh-hz"`
	Brightness        uint8         `mapstructure:"brightness" yaml:"brightness"`
	AnimationInterval time.Duration `mapstructure:"animation-interval" yaml:"animation-interval"`

	HardwareRebootInterval time.Duration `mapstructure:"hardware-reboot-interval" yaml:"hardware-reboot-interval"`
	StallTimeout           time.Duration `mapstructure:"stall-timeout" yaml:"stall-timeout"`
	MaxDriverErrors        int           `mapstructure:"max-driver-errors" yaml:"max-driver-errors"`

	Bind        string `mapstructure:"bind" yaml:"bind"`
	JournalPath string `mapstructure:"journal-path" yaml:"journal-path"`
}

// Default returns the configuration of the reference build: a single 64x32 panel with 1/16 scan on
// an ESP32 feather adapter, in Los Angeles, showing 12-hour time.
func Default() Config {
	return Config{
		Timezone:     "America/Los_Angeles",
		TwelveHour:   true,
		ForceRefresh: false,
		BlinkColon:   true,
		DeviceID:     "tetrisClock",

		TimeService:            ServiceChrony,
		ChronyAddr:             "localhost:323",
		GPSDAddr:               "localhost:2947",
		ConnectAttemptLimit:    3,
		ConnectAttemptInterval: 10 * time.Second,
		ConnectAttemptTimeout:  5 * time.Second,
		SyncInterval:           30 * time.Minute,

		Driver: DriverHUB75,
		Pins: Pins{
			LAT: 22,
			A:   19,
			B:   23,
			C:   18,
			D:   5,
			E:   15,
			OE:  21,
		},
		SPIPort:           "",
		SPISpeedHz:        20_000_000,
		PanelWidth:        64,
		PanelHeight:       32,
		PanelChain:        1,
		ScanRate:          16,
		RefreshHz:         120,
		Brightness:        0x40,
		AnimationInterval: 30 * time.Millisecond,

		HardwareRebootInterval: 30 * time.Second,
		StallTimeout:           5 * time.Second,
		MaxDriverErrors:        10,

		Bind:        ":8080",
		JournalPath: "tetris-clock.db",
	}
}

// setDefaults registers every default with viper so that each key can be overridden from the
// environment even when no config file mentions it.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("timezone", d.Timezone)
	v.SetDefault("twelve-hour", d.TwelveHour)
	v.SetDefault("force-refresh", d.ForceRefresh)
	v.SetDefault("blink-colon", d.BlinkColon)
	v.SetDefault("device-id", d.DeviceID)
	v.SetDefault("time-service", d.TimeService)
	v.SetDefault("chrony-addr", d.ChronyAddr)
	v.SetDefault("gpsd-addr", d.GPSDAddr)
	v.SetDefault("connect-attempt-limit", d.ConnectAttemptLimit)
	v.SetDefault("connect-attempt-interval", d.ConnectAttemptInterval)
	v.SetDefault("connect-attempt-timeout", d.ConnectAttemptTimeout)
	v.SetDefault("sync-interval", d.SyncInterval)
	v.SetDefault("driver", d.Driver)
	v.SetDefault("pins.lat", d.Pins.LAT)
	v.SetDefault("pins.a", d.Pins.A)
	v.SetDefault("pins.b", d.Pins.B)
	v.SetDefault("pins.c", d.Pins.C)
	v.SetDefault("pins.d", d.Pins.D)
	v.SetDefault("pins.e", d.Pins.E)
	v.SetDefault("pins.oe", d.Pins.OE)
	v.SetDefault("spi-port", d.SPIPort)
	v.SetDefault("spi-speed-hz", d.SPISpeedHz)
	v.SetDefault("panel-width", d.PanelWidth)
	v.SetDefault("panel-height", d.PanelHeight)
	v.SetDefault("panel-chain", d.PanelChain)
	v.SetDefault("scan-rate", d.ScanRate)
	v.SetDefault("refresh-hz", d.RefreshHz)
	v.SetDefault("brightness", d.Brightness)
	v.SetDefault("animation-interval", d.AnimationInterval)
	v.SetDefault("hardware-reboot-interval", d.HardwareRebootInterval)
	v.SetDefault("stall-timeout", d.StallTimeout)
	v.SetDefault("max-driver-errors", d.MaxDriverErrors)
	v.SetDefault("bind", d.Bind)
	v.SetDefault("journal-path", d.JournalPath)
}

// Load reads the configuration from the optional yaml file at path and from TETRISCLOCK_*
// environment variables, then validates it.  A missing file is not an error.
func Load(path string) (Config, error) {
	var cfg Config

	v := viper.New()
	v.SetEnvPrefix("TETRISCLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %q: %w", path, err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// YAML returns the configuration in the format Load reads.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

// Location returns the configured timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalid, c.Timezone, err)
	}
	return loc, nil
}

// Width is the number of columns in the pixel buffer, across all chained panels.
func (c Config) Width() int { return c.PanelWidth * c.PanelChain }

// Height is the number of rows in the pixel buffer.
func (c Config) Height() int { return c.PanelHeight }

// AddressBits is the number of row address lines needed to select one of ScanRate lines.
func (c Config) AddressBits() int {
	if c.ScanRate <= 1 {
		return 0
	}
	return bits.Len(uint(c.ScanRate - 1))
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks that the configuration describes a consistent device.
func (c Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.ConnectAttemptLimit < 1 {
		return invalid("connect-attempt-limit must be at least 1, not %d", c.ConnectAttemptLimit)
	}
	if c.ConnectAttemptInterval < 0 {
		return invalid("connect-attempt-interval must not be negative")
	}
	if c.ConnectAttemptTimeout <= 0 {
		return invalid("connect-attempt-timeout must be positive")
	}
	if c.SyncInterval <= 0 {
		return invalid("sync-interval must be positive")
	}
	switch c.TimeService {
	case ServiceChrony, ServiceGPSD:
	default:
		return invalid("unknown time-service %q", c.TimeService)
	}

	if c.PanelWidth <= 0 || c.PanelWidth%8 != 0 {
		return invalid("panel-width must be a positive multiple of 8, not %d", c.PanelWidth)
	}
	if c.PanelHeight <= 0 {
		return invalid("panel-height must be positive, not %d", c.PanelHeight)
	}
	if c.PanelChain < 1 {
		return invalid("panel-chain must be at least 1, not %d", c.PanelChain)
	}
	if c.ScanRate < 1 || c.ScanRate > 32 {
		return invalid("scan-rate must be between 1 and 32, not %d", c.ScanRate)
	}
	if c.PanelHeight%c.ScanRate != 0 {
		return invalid("panel-height %d is not a multiple of scan-rate %d", c.PanelHeight, c.ScanRate)
	}
	if c.RefreshHz <= 0 {
		return invalid("refresh-hz must be positive")
	}
	if c.AnimationInterval <= 0 {
		return invalid("animation-interval must be positive")
	}
	if c.HardwareRebootInterval < 0 {
		return invalid("hardware-reboot-interval must not be negative")
	}
	if c.StallTimeout <= 0 {
		return invalid("stall-timeout must be positive")
	}
	if c.MaxDriverErrors < 1 {
		return invalid("max-driver-errors must be at least 1")
	}

	switch c.Driver {
	case DriverHUB75:
		if c.Pins.LAT < 0 {
			return invalid("hub75 needs a latch pin")
		}
		for i, p := range c.Pins.Address()[:c.AddressBits()] {
			if p < 0 {
				return invalid("scan-rate %d needs address pin %c", c.ScanRate, 'A'+i)
			}
		}
		if c.SPISpeedHz <= 0 {
			return invalid("spi-speed-hz must be positive")
		}
	case DriverAPA102, DriverNone:
	default:
		return invalid("unknown driver %q", c.Driver)
	}
	return nil
}
