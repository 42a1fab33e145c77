package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the struct tag rules and that the two documents are kept in
// distinct files.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	st := cfg.Local.Storage
	if st.CacheFile == st.CSPConfigFile {
		return fmt.Errorf("config validation failed: %w",
			errors.New("local.storage.cache_file and local.storage.csp_config_file must differ"))
	}
	return nil
}
