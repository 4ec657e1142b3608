package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Display is the preferred display device name (e.g. `\\.\DISPLAY1`).
	// Empty selects the first enumerated display.
	Display string `mapstructure:"display" yaml:"display"`

	// GPUPollTimeoutMs bounds the duplication AcquireNextFrame wait.
	GPUPollTimeoutMs int `mapstructure:"gpu_poll_timeout_ms" yaml:"gpu_poll_timeout_ms"`

	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
	Format    string `mapstructure:"format" yaml:"format"`
	Quality   int    `mapstructure:"quality" yaml:"quality"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
}

func Default() *Config {
	return &Config{
		GPUPollTimeoutMs: 500,
		OutputDir:        ".",
		Format:           "png",
		Quality:          85,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("testframe")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("TESTFRAME")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the config as YAML to the given path ("" = default location).
func Save(cfg *Config, cfgFile string) error {
	if cfgFile == "" {
		cfgFile = filepath.Join(configDir(), "testframe.yaml")
	}
	if dir := filepath.Dir(cfgFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(cfgFile, data, 0o644)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		if pd := os.Getenv("ProgramData"); pd != "" {
			return filepath.Join(pd, "TestFrame")
		}
		return `C:\ProgramData\TestFrame`
	default:
		return "/etc/testframe"
	}
}
