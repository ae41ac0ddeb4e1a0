package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "session.heartbeat_interval_seconds")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidStoreSchemes returns the DSN schemes with a registered backend
func ValidStoreSchemes() []string {
	return []string{"mem", "postgres", "postgresql"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateStore()...)
	errors = append(errors, c.validateSession()...)
	errors = append(errors, c.validateLock()...)
	errors = append(errors, c.validateConflict()...)
	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateStore() []ValidationError {
	var errors []ValidationError

	if c.Store.DSN == "" {
		errors = append(errors, ValidationError{
			Field:   "store.dsn",
			Value:   c.Store.DSN,
			Message: "must not be empty",
		})
		return errors
	}

	scheme, _, found := strings.Cut(c.Store.DSN, "://")
	if !found || !slices.Contains(ValidStoreSchemes(), scheme) {
		errors = append(errors, ValidationError{
			Field:   "store.dsn",
			Value:   c.Store.DSN,
			Message: fmt.Sprintf("scheme must be one of: %s", strings.Join(ValidStoreSchemes(), ", ")),
		})
	}

	return errors
}

func (c *Config) validateSession() []ValidationError {
	var errors []ValidationError

	if c.Session.HeartbeatIntervalSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "session.heartbeat_interval_seconds",
			Value:   c.Session.HeartbeatIntervalSeconds,
			Message: "must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateLock() []ValidationError {
	var errors []ValidationError

	if c.Lock.DefaultTTLSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "lock.default_ttl_seconds",
			Value:   c.Lock.DefaultTTLSeconds,
			Message: "must be at least 1",
		})
	}

	if c.Lock.WaitTimeoutSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "lock.wait_timeout_seconds",
			Value:   c.Lock.WaitTimeoutSeconds,
			Message: "must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateConflict() []ValidationError {
	var errors []ValidationError

	if c.Conflict.ArchiveSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "conflict.archive_size",
			Value:   c.Conflict.ArchiveSize,
			Message: "must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if c.Server.Addr == "" {
		errors = append(errors, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must not be empty",
		})
	}

	if c.Server.EventBufferSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "server.event_buffer_size",
			Value:   c.Server.EventBufferSize,
			Message: "must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
