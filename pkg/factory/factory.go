package factory

import (
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/smartsolutions/datwall/internal/logger"
)

// DatwallDefaultConfigPath is used when no -c flag is given.
const DatwallDefaultConfigPath = "./config/datwallcfg.yaml"

// Loader provides methods to load and validate the configuration.
type Loader interface {
	Load(path string) (*Config, error)
}

// DefaultLoader is a simple YAML file loader/validator with defaults.
type DefaultLoader struct{}

// Load reads YAML from the given path, applies defaults, and validates.
func (l *DefaultLoader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal yaml")
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}

	logger.CfgLog.Debugf("effective configuration:\n%s", spew.Sdump(cfg))
	return &cfg, nil
}

// ReadConfig loads the configuration file with the DefaultLoader.
func ReadConfig(path string) (*Config, error) {
	loader := &DefaultLoader{}
	return loader.Load(path)
}
