package config

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "ASP_"

// LoadConfig reads the YAML file at filepath (if present) and then overlays ASP_* environment variables.
// ASP_REDDIT_CLIENTID maps to reddit.clientid; key matching is case-insensitive.
func LoadConfig(ctx context.Context, filepath string, validate *validator.Validate) (*Config, error) {
	k := koanf.New(".")

	if filepath != "" {
		if _, err := os.Stat(filepath); err == nil {
			if err = k.Load(file.Provider(filepath), yaml.Parser()); err != nil {
				return nil, err
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var config Config

	if err := k.Unmarshal("", &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := validate.StructCtx(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
