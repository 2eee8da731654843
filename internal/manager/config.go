package manager

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config controls the management service. Zero values are not defaults:
// start from DefaultConfig and override.
type Config struct {
	AutoCleanupInterval time.Duration `yaml:"auto_cleanup_interval" json:"auto_cleanup_interval" validate:"gt=0"`
	// MaxCacheAge is informational; per-entry TTLs decide expiry.
	MaxCacheAge           time.Duration `yaml:"max_cache_age" json:"max_cache_age" validate:"gte=0"`
	MaxCacheSize          int           `yaml:"max_cache_size" json:"max_cache_size" validate:"gt=0"`
	EnablePersistentCache bool          `yaml:"enable_persistent_cache" json:"enable_persistent_cache"`
	EnableBatchProcessing bool          `yaml:"enable_batch_processing" json:"enable_batch_processing"`
	BatchInterval         time.Duration `yaml:"batch_interval" json:"batch_interval" validate:"gt=0"`
	AutoSaveInterval      time.Duration `yaml:"auto_save_interval" json:"auto_save_interval" validate:"gt=0"`
	// TrimFraction of entries removed by the size trim, least used first.
	TrimFraction float64 `yaml:"trim_fraction" json:"trim_fraction" validate:"gt=0,lte=1"`
}

func DefaultConfig() Config {
	return Config{
		AutoCleanupInterval:   10 * time.Minute,
		MaxCacheAge:           30 * time.Minute,
		MaxCacheSize:          100,
		EnablePersistentCache: true,
		EnableBatchProcessing: true,
		BatchInterval:         30 * time.Second,
		AutoSaveInterval:      5 * time.Minute,
		TrimFraction:          0.2,
	}
}

var validate = validator.New()

// Validate reports every invalid field in one error.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, formatFieldError(fe))
	}
	return fmt.Errorf("invalid cache management config: %s", strings.Join(msgs, "; "))
}

func formatFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
