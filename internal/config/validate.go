package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the configuration for required fields and invalid
// values using struct tags, then layers on the checks a tag can't
// express (hex encoding, minimum decoded length). It collects every
// failure into a single error so the operator sees all of them at once.
func (c *Config) Validate() error {
	var errs []string

	if err := validate.Struct(c); err != nil {
		for _, fe := range err.(validator.ValidationErrors) {
			errs = append(errs, fmt.Sprintf("%s failed %q validation", fe.Namespace(), fe.Tag()))
		}
	}

	if len(c.Receiver.Listeners) == 0 {
		errs = append(errs, "receiver.listeners must have at least one entry")
	}

	if c.DKIM.MasterEncryptionKey != "" {
		decoded, err := hex.DecodeString(c.DKIM.MasterEncryptionKey)
		if err != nil {
			errs = append(errs, "dkim.master_encryption_key must be valid hex")
		} else if len(decoded) < 32 {
			errs = append(errs, "dkim.master_encryption_key must be at least 32 bytes (64 hex chars)")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
