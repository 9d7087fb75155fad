package mcp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/HyphaGroup/diagd/internal/coordinator"
	"github.com/HyphaGroup/diagd/internal/logger"
)

// sensitivePatterns contains substrings that indicate sensitive error details
var sensitivePatterns = []string{
	"sig=",
	"sas",
	"AccountKey",
	"token",
	"password",
	"secret",
	"credential",
}

// internalErrorPatterns contains substrings that indicate internal errors
var internalErrorPatterns = []string{
	"failed to exec",
	"failed to start",
	"connection refused",
	"no such file",
	"permission denied",
	"timeout",
	"context canceled",
	"EOF",
}

// toolError maps a coordinator error onto the message a client sees.
// Taxonomy errors keep their text; anything else is sanitized.
func toolError(err error, operation string) error {
	var conflict *coordinator.ConflictError
	var misconfigured *coordinator.StorageMisconfiguredError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &conflict):
		return fmt.Errorf("conflict: %s", conflict.Error())
	case errors.As(err, &misconfigured):
		return fmt.Errorf("storage misconfigured: %s", misconfigured.Error())
	case errors.Is(err, coordinator.ErrValidation):
		return fmt.Errorf("invalid request: %s", strings.TrimPrefix(err.Error(), "invalid request: "))
	case errors.Is(err, coordinator.ErrStorageUnavailable):
		logger.Error("%s failed: %v", operation, err)
		return fmt.Errorf("storage unavailable: session records cannot be reached, try again later")
	case errors.Is(err, coordinator.ErrRateLimited),
		errors.Is(err, coordinator.ErrNotFound),
		errors.Is(err, coordinator.ErrSessionActive),
		errors.Is(err, coordinator.ErrNotActive):
		return err
	case errors.Is(err, coordinator.ErrLockTimeout):
		return fmt.Errorf("%s failed: session is busy, try again", operation)
	}
	return SanitizeError(err, operation)
}

// SanitizeError returns a client-safe error message.
// Internal details are logged but not exposed to clients.
func SanitizeError(err error, operation string) error {
	if err == nil {
		return nil
	}

	errStr := err.Error()

	// Check for sensitive information
	for _, pattern := range sensitivePatterns {
		if strings.Contains(strings.ToLower(errStr), strings.ToLower(pattern)) {
			logger.Error("%s failed (sensitive): %v", operation, err)
			return fmt.Errorf("%s failed: internal configuration error", operation)
		}
	}

	// Check for internal error patterns
	for _, pattern := range internalErrorPatterns {
		if strings.Contains(strings.ToLower(errStr), strings.ToLower(pattern)) {
			logger.Error("%s failed (internal): %v", operation, err)
			return fmt.Errorf("%s failed: internal error", operation)
		}
	}

	if isUserFacingError(errStr) {
		return err
	}

	logger.Error("%s failed: %v", operation, err)
	return fmt.Errorf("%s failed: %s", operation, genericErrorMessage(errStr))
}

// isUserFacingError returns true if the error message is safe to show to users
func isUserFacingError(errStr string) bool {
	userFacingPatterns := []string{
		"not found",
		"already exists",
		"invalid",
		"required",
		"must be",
		"cannot be",
		"is not",
		"exceeded",
		"limit",
	}

	lower := strings.ToLower(errStr)
	for _, pattern := range userFacingPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// genericErrorMessage extracts a safe portion of the error or returns generic text
func genericErrorMessage(errStr string) string {
	if len(errStr) < 50 {
		return errStr
	}
	return "an unexpected error occurred"
}
