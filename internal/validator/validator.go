// Package validator wires go-playground/validator into gin request binding,
// with custom tags for the shapes this API accepts over the wire (resource
// paths and version strings in subscription creation requests).
package validator

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()

	validate.RegisterValidation("resourcepath", validateResourcePath)
	validate.RegisterValidation("apiversion", validateAPIVersion)
}

// ValidateStruct validates a struct and returns user-friendly error messages
func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}

// ValidateRequest validates a request struct and returns formatted errors
// Returns nil if validation passes, or a map of field errors
func ValidateRequest(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	errors := make(map[string]string)

	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		for _, e := range validationErrs {
			field := strings.ToLower(e.Field())
			errors[field] = formatValidationError(e)
		}
	}

	return errors
}

// BindAndValidate binds JSON and validates in one step
// Returns true if successful, false if validation failed (and sets error response)
func BindAndValidate(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return false
	}

	if errs := ValidateRequest(req); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "Validation failed",
			"fields": errs,
		})
		return false
	}

	return true
}

// formatValidationError converts validator errors to human-readable messages
func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", e.Field())
	case "min":
		return fmt.Sprintf("must be at least %s characters", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", e.Param())
	case "uuid":
		return "must be a valid UUID"
	case "url":
		return "must be a valid URL"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "resourcepath":
		return "must be a slash-separated path naming a known resource collection, e.g. /devices"
	case "apiversion":
		return "must be a supported API version, e.g. v1.3"
	default:
		return fmt.Sprintf("validation failed: %s", e.Tag())
	}
}

// Custom Validators

// validateResourcePath ensures a subscription's resource_path is empty or
// starts with "/" (e.g. "/" or "/<collection>[/<id>]"), and never
// contains ".." or "//".
func validateResourcePath(fl validator.FieldLevel) bool {
	path := fl.Field().String()

	if path == "" {
		return true // empty resource_path means "all resources", valid
	}

	if !strings.HasPrefix(path, "/") {
		return false
	}

	if strings.Contains(path, "..") || strings.Contains(path, "//") {
		return false
	}

	return true
}

// validateAPIVersion ensures a version string matches "vMAJOR.MINOR".
func validateAPIVersion(fl validator.FieldLevel) bool {
	v := fl.Field().String()

	if !strings.HasPrefix(v, "v") {
		return false
	}
	parts := strings.Split(v[1:], ".")
	if len(parts) != 2 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, ch := range p {
			if ch < '0' || ch > '9' {
				return false
			}
		}
	}
	return true
}
