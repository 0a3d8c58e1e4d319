package main

import (
	"os"
	"strings"

	"github.com/jbqxo/yaeos-sub000/internal/bootinfo"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const envVarPrefix = "MEMSIM"

// Region is a memory map entry as written in the config file.
type Region struct {
	Addr   uint64 `yaml:"addr"`
	Length uint64 `yaml:"length"`
	Type   string `yaml:"type"`
}

// Config drives every memsim command. Values are taken from the defaults, then
// the config file, then MEMSIM_* environment variables, then flags.
type Config struct {
	// buddy
	Frames uint32   `envconfig:"FRAMES" yaml:"frames"`
	Ops    []string `envconfig:"OPS"    yaml:"ops"`

	// slab and kmalloc
	Pages       int    `envconfig:"PAGES"        yaml:"pages"`
	ObjectSize  uint   `envconfig:"OBJECT_SIZE"  yaml:"objectSize"`
	ObjectAlign uint   `envconfig:"OBJECT_ALIGN" yaml:"objectAlign"`
	Objects     int    `envconfig:"OBJECTS"      yaml:"objects"`
	Sizes       []uint `envconfig:"SIZES"        yaml:"sizes"`

	// boot
	KernelStart uint64   `envconfig:"KERNEL_START" yaml:"kernelStart"`
	KernelEnd   uint64   `envconfig:"KERNEL_END"   yaml:"kernelEnd"`
	Regions     []Region `ignored:"true"           yaml:"regions"`
}

func defaultConfig() Config {
	return Config{
		Frames:      8,
		Ops:         []string{"alloc:0", "alloc:1", "alloc:0", "free:2:1", "alloc:2"},
		Pages:       64,
		ObjectSize:  32,
		Objects:     101,
		Sizes:       []uint{8, 100, 500, 2000},
		KernelStart: 0x100000,
		KernelEnd:   0x200000,
		Regions: []Region{
			{Addr: 0, Length: 0x9fc00, Type: "available"},
			{Addr: 0x9fc00, Length: 0x400, Type: "reserved"},
			{Addr: 0xf0000, Length: 0x10000, Type: "reserved"},
			{Addr: 0x100000, Length: 0x7ee0000, Type: "available"},
			{Addr: 0x7fe0000, Length: 0x20000, Type: "reserved"},
			{Addr: 0xfffc0000, Length: 0x40000, Type: "reserved"},
		},
	}
}

// LoadConfig builds the configuration from the defaults, the optional config
// file and the environment.
func LoadConfig(configFile string) (*Config, error) {
	c := defaultConfig()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, errors.Wrap(err, "reading config file")
		}

		if err := yaml.UnmarshalStrict(data, &c); err != nil {
			return nil, errors.Wrapf(err, "unmarshaling config file %s", configFile)
		}
	}

	if err := envconfig.Process(envVarPrefix, &c); err != nil {
		return nil, errors.Wrap(err, "parsing environment variables")
	}

	return &c, nil
}

// Validate reports the first setting that cannot drive a simulation.
func (c *Config) Validate() error {
	switch {
	case c.Frames == 0:
		return errors.Errorf("missing required configuration: frames / %s_FRAMES", envVarPrefix)
	case c.Pages <= 0:
		return errors.Errorf("missing required configuration: pages / %s_PAGES", envVarPrefix)
	case c.ObjectSize == 0:
		return errors.Errorf("missing required configuration: objectSize / %s_OBJECT_SIZE", envVarPrefix)
	case c.ObjectAlign&(c.ObjectAlign-1) != 0:
		return errors.Errorf("objectAlign must be a power of two; got %d", c.ObjectAlign)
	case c.Objects < 0:
		return errors.Errorf("objects must not be negative; got %d", c.Objects)
	}

	for i, r := range c.Regions {
		if _, err := regionType(r.Type); err != nil {
			return errors.Wrapf(err, "region %d", i)
		}
	}
	return nil
}

// bootRegions converts the configured memory map to boot info regions.
func (c *Config) bootRegions() ([]bootinfo.Region, error) {
	out := make([]bootinfo.Region, len(c.Regions))
	for i, r := range c.Regions {
		typ, err := regionType(r.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "region %d", i)
		}
		out[i] = bootinfo.Region{Addr: r.Addr, Length: r.Length, Type: typ}
	}
	return out, nil
}

func regionType(name string) (uint32, error) {
	switch strings.ToLower(name) {
	case "available":
		return bootinfo.Available, nil
	case "reserved":
		return bootinfo.Reserved, nil
	case "acpi", "acpi reclaimable":
		return bootinfo.AcpiReclaimable, nil
	case "nvs":
		return bootinfo.Nvs, nil
	default:
		return 0, errors.Errorf("unknown region type %q", name)
	}
}
