// Package config loads the service configuration from defaults, an optional
// TOML file and environment variables, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"

	"github.com/hashlocked/escrowd/log"
	"github.com/hashlocked/escrowd/registry"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

const (
	// FlagCfg is the flag for cfg.
	FlagCfg = "cfg"

	// EnvVarPrefix is the prefix of the environment variables overriding
	// configuration values, e.g. ESCROWD_LOG_LEVEL.
	EnvVarPrefix = "ESCROWD"
	// ConfigType is the format of the configuration file.
	ConfigType = "toml"
)

// Config bundles the configuration of every component of the service.
type Config struct {
	// Log configures level, encoding and outputs for all the components
	Log log.Config
	// Registry configures the escrow registry and its database
	Registry registry.Config
}

// Default returns the configuration with every value set to its default.
func Default() (*Config, error) {
	cfg := &Config{}
	viper.SetConfigType(ConfigType)

	if err := viper.ReadConfig(bytes.NewBuffer([]byte(DefaultValues))); err != nil {
		return nil, err
	}
	if err := viper.Unmarshal(cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load loads the configuration: defaults, then the file named by the cfg
// flag if any, then ESCROWD_* environment variables.
func Load(ctx *cli.Context) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	configFilePath := ctx.String(FlagCfg)
	if configFilePath != "" {
		dirName, fileName := filepath.Split(configFilePath)

		fileExtension := strings.TrimPrefix(filepath.Ext(fileName), ".")
		fileNameWithoutExtension := strings.TrimSuffix(fileName, "."+fileExtension)

		viper.AddConfigPath(dirName)
		viper.SetConfigName(fileNameWithoutExtension)
		viper.SetConfigType(fileExtension)
	}

	viper.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.SetEnvPrefix(EnvVarPrefix)

	if err = viper.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(err, &notFoundErr) {
			return nil, err
		}
		if configFilePath != "" {
			return nil, err
		}
		log.Infof("config file not found, using defaults")
	}
	if err = viper.Unmarshal(cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}
