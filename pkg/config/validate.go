package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration against the struct validation tags
// plus the cross-field rules the tags cannot express.
//
// Call only after ApplyDefaults; validation assumes defaults are
// already filled in.
func Validate(cfg *Config) error {
	validate := validator.New()

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return errors.New(formatValidationErrors(verrs))
		}
		return err
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if cfg.Web.IsEnabled() && cfg.Syslog.Port == cfg.Web.Port {
		return fmt.Errorf("syslog port %d collides with web port", cfg.Syslog.Port)
	}

	return nil
}

// formatValidationErrors renders validator errors as one readable line
// per failed field.
func formatValidationErrors(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Strip the leading "Config." for readability
		field := fe.Namespace()
		if idx := strings.Index(field, "."); idx >= 0 {
			field = field[idx+1:]
		}

		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q validation (param: %s, value: %v)",
				field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q validation (value: %v)",
				field, fe.Tag(), fe.Value()))
		}
	}
	return strings.Join(msgs, "; ")
}
