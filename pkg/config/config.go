package config

import (
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	_defaultConfigFilePaths   = []string{".", "$CONFIG_DIR/"}
	_defaultLogZapOutputPaths = []string{"stderr"}
)

const (
	_envPrefix = "H2MUX"

	_defaultLogLevel            = "INFO"
	_defaultLogZapEncoding      = "console"
	_defaultLogEnableRotation   = false
	_defaultLogRotateMaxSize    = 64
	_defaultLogRotateMaxAge     = 180
	_defaultLogRotateMaxBackups = 0
	_defaultLogRotateLocalTime  = false
	_defaultLogRotateCompress   = false
)

// Config is the configuration shared by the multiplexer, its transport and the h2get tool.
type Config struct {
	Log       *Log
	Transport *Transport
	Mux       *Mux
	Fetch     *Fetch

	// PrintConfig makes h2get dump the effective configuration and exit.
	PrintConfig bool

	args []string
	lg   *zap.Logger
}

// NewConfig loads the configuration from arguments, the environment and an optional file, in that
// order of precedence, and builds the logger. Positional arguments left after flag parsing are
// available through Args.
func NewConfig(arguments []string, errOutput io.Writer) (*Config, error) {
	cfg := &Config{
		Log:       NewLog(),
		Transport: NewTransport(),
		Mux:       NewMux(),
		Fetch:     NewFetch(),
	}

	v := newViper()
	fs := newFlagSet(errOutput)
	configure(v, fs)
	if err := fs.Parse(arguments); err != nil {
		return nil, err
	}
	cfg.args = fs.Args()

	configFile, err := readConfigFile(v, fs)
	if err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal configuration")
	}

	// the logger comes first so that everything after loading can log
	if err := cfg.Log.Adjust(); err != nil {
		return nil, errors.Wrap(err, "adjust log config")
	}
	if cfg.lg, err = cfg.Log.Logger(); err != nil {
		return nil, errors.Wrap(err, "create logger")
	}
	if configFile != "" {
		cfg.lg.Debug("load configuration from file", zap.String("file-name", configFile))
	}
	return cfg, nil
}

// readConfigFile reads the file named by --config. Without the flag, a missing file is not an error.
func readConfigFile(v *viper.Viper, fs *pflag.FlagSet) (string, error) {
	if name, _ := fs.GetString("config"); name != "" {
		v.SetConfigFile(name)
	}
	err := v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "read configuration file")
	}
	return v.ConfigFileUsed(), nil
}

type section struct {
	name     string
	adjust   func()
	validate func() error
}

func (c *Config) sections() []section {
	return []section{
		{name: "transport", adjust: c.Transport.Adjust, validate: c.Transport.Validate},
		{name: "mux", adjust: c.Mux.Adjust, validate: c.Mux.Validate},
		{name: "fetch", adjust: c.Fetch.Adjust, validate: c.Fetch.Validate},
	}
}

// Adjust generates default values for some fields (if they are empty)
func (c *Config) Adjust() error {
	for _, s := range c.sections() {
		s.adjust()
	}
	return nil
}

// Validate checks whether the configuration is valid. It should be called after Adjust
func (c *Config) Validate() error {
	for _, s := range c.sections() {
		if err := s.validate(); err != nil {
			return errors.Wrapf(err, "validate %s config", s.name)
		}
	}
	return nil
}

// Logger returns logger generated based on the config
// It can be used after calling NewConfig
func (c *Config) Logger() *zap.Logger {
	if c != nil {
		return c.lg
	}
	return nil
}

// Args returns the positional arguments, which are the URLs to fetch for h2get.
func (c *Config) Args() []string {
	return c.args
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix(_envPrefix)
	v.AutomaticEnv()
	for _, filePath := range _defaultConfigFilePaths {
		v.AddConfigPath(filePath)
	}
	return v
}

func newFlagSet(errOutput io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("h2get", pflag.ContinueOnError)
	fs.SetOutput(errOutput)
	return fs
}

func configure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("config", "", "configuration file")
	fs.Bool("print-config", false, "print the effective configuration in TOML and exit")
	_ = v.BindPFlag("printConfig", fs.Lookup("print-config"))

	logConfigure(v, fs)
	transportConfigure(v, fs)
	muxConfigure(v, fs)
	fetchConfigure(v, fs)
}
