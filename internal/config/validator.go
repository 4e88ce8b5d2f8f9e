package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// maxExpiryBound is the worst-case time (creation to detected expiry) a
// pending approval may take to age out: the default 300s timeout plus a
// 5s poll cadence. A configured Timeout/PollInterval pair must not push
// expiry detection past it.
const maxExpiryBound = 305 * time.Second

// RegisterCustomValidators is the hook for moltgate-specific struct-tag
// rules. It currently registers none; the cross-field rules run as plain
// functions from Validate.
func RegisterCustomValidators(v *validator.Validate) error {
	return nil
}

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateApprovalDeciderHash(); err != nil {
		return err
	}

	if err := c.validateActionNamesUnique(); err != nil {
		return err
	}

	if err := c.validateApprovalExpiryBound(); err != nil {
		return err
	}

	return nil
}

// validateApprovalExpiryBound rejects a Timeout/PollInterval combination
// whose worst case (timeout elapses just after a poll tick, so the next
// tick is a full poll interval later) would detect expiry later than
// maxExpiryBound after creation.
func (c *Config) validateApprovalExpiryBound() error {
	timeout, err := time.ParseDuration(c.Approval.Timeout)
	if err != nil {
		return fmt.Errorf("approval.timeout: %w", err)
	}
	pollInterval, err := time.ParseDuration(c.Approval.PollInterval)
	if err != nil {
		return fmt.Errorf("approval.poll_interval: %w", err)
	}
	if timeout+pollInterval > maxExpiryBound {
		return fmt.Errorf("approval.timeout (%s) + approval.poll_interval (%s) exceeds the %s expiry detection bound",
			timeout, pollInterval, maxExpiryBound)
	}
	return nil
}

// validateApprovalDeciderHash requires a decider hash to be configured
// unless DevMode is set, matching approval.Manager's own behavior of
// treating an empty decider hash as "verify anything" — acceptable for
// local development, not for a deployed executor.
func (c *Config) validateApprovalDeciderHash() error {
	if c.DevMode {
		return nil
	}
	if c.Approval.DeciderHash == "" {
		return errors.New("approval.decider_hash is required outside dev_mode")
	}
	return nil
}

// validateActionNamesUnique rejects a config that defines the same action
// name twice, since StaticTable silently lets the later entry win and a
// duplicate in config almost always indicates a copy-paste mistake.
func (c *Config) validateActionNamesUnique() error {
	seen := make(map[string]struct{}, len(c.Actions))
	for _, a := range c.Actions {
		if _, ok := seen[a.Name]; ok {
			return fmt.Errorf("actions: duplicate action name %q", a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a
// single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
