package config

import (
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultPath is where the binaries look for the TOML file when
// KOBOPAY_CONFIG is unset.
const DefaultPath = "config/api.toml"

type Path string

func (p Path) Join(elem ...string) Path {
	parts := append([]string{string(p)}, elem...)
	return Path(filepath.Join(parts...))
}

func (p Path) ToString() string {
	return string(p)
}

func Load(path Path, cfg any) error {
	err := cleanenv.ReadConfig(path.ToString(), cfg)
	return err
}

// LoadAPI reads the service configuration from the file named by
// KOBOPAY_CONFIG (default config/api.toml). When no file is present the
// configuration comes from environment variables and tag defaults alone,
// which is how the containers run.
func LoadAPI() (*ApiConfig, error) {
	var cfg ApiConfig

	path := os.Getenv("KOBOPAY_CONFIG")
	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err == nil {
		return &cfg, Load(Path(path), &cfg)
	}
	return &cfg, cleanenv.ReadEnv(&cfg)
}
