package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Test structs mirror the shape of a subscription creation request.
type TestSubscriptionRequest struct {
	ResourcePath   string `json:"resource_path" validate:"resourcepath"`
	MaxUpdateRate  int    `json:"max_update_rate_ms" validate:"gte=0,lte=60000"`
	Persist        bool   `json:"persist"`
}

type TestVersionedRequest struct {
	Version string `json:"version" validate:"required,apiversion"`
	Name    string `json:"name" validate:"required,min=3,max=100"`
}

func TestValidateStruct_Success(t *testing.T) {
	req := TestVersionedRequest{
		Version: "v1.3",
		Name:    "test subscription",
	}

	err := ValidateStruct(req)
	assert.NoError(t, err)
}

func TestValidateStruct_RequiredFields(t *testing.T) {
	req := TestVersionedRequest{}

	err := ValidateStruct(req)
	assert.Error(t, err)
}

func TestValidateRequest_Success(t *testing.T) {
	req := TestSubscriptionRequest{
		ResourcePath:  "/flows",
		MaxUpdateRate: 100,
		Persist:       true,
	}

	errs := ValidateRequest(req)
	assert.Nil(t, errs)
}

func TestValidateRequest_MultipleErrors(t *testing.T) {
	req := TestSubscriptionRequest{
		ResourcePath:  "flows", // missing leading slash
		MaxUpdateRate: -1,      // below minimum
	}

	errs := ValidateRequest(req)
	assert.NotNil(t, errs)
	assert.Contains(t, errs, "resourcepath")
	assert.Contains(t, errs, "maxupdaterate")
}

func TestValidateResourcePath_Valid(t *testing.T) {
	validPaths := []string{
		"",
		"/",
		"/flows",
		"/devices/abcdef",
		"/senders",
	}

	for _, path := range validPaths {
		req := TestSubscriptionRequest{ResourcePath: path, MaxUpdateRate: 0}
		errs := ValidateRequest(req)
		assert.Nil(t, errs, "resource_path should be valid: %q", path)
	}
}

func TestValidateResourcePath_Invalid(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"missing leading slash", "flows"},
		{"double slash", "/flows//abc"},
		{"traversal", "/flows/../nodes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := TestSubscriptionRequest{ResourcePath: tt.path, MaxUpdateRate: 0}
			errs := ValidateRequest(req)
			assert.NotNil(t, errs)
			assert.Contains(t, errs, "resourcepath")
		})
	}
}

func TestValidateAPIVersion_Valid(t *testing.T) {
	validVersions := []string{"v1.0", "v1.1", "v1.2", "v1.3", "v2.0"}

	for _, v := range validVersions {
		req := TestVersionedRequest{Version: v, Name: "Test Name"}
		errs := ValidateRequest(req)
		assert.Nil(t, errs, "version should be valid: %s", v)
	}
}

func TestValidateAPIVersion_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		version string
	}{
		{"missing v prefix", "1.3"},
		{"missing minor", "v1"},
		{"non-numeric", "vX.Y"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := TestVersionedRequest{Version: tt.version, Name: "Test Name"}
			errs := ValidateRequest(req)
			assert.NotNil(t, errs)
			assert.Contains(t, errs, "version")
		})
	}
}

func TestValidateMinMax_Strings(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		shouldErr bool
	}{
		{"valid", "Test Name", false},
		{"too short", "ab", true},
		{"too long", string(make([]byte, 101)), true},
		{"min length", "abc", false},
		{"max length", string(make([]byte, 100)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := TestVersionedRequest{Version: "v1.3", Name: tt.value}

			errs := ValidateRequest(req)
			if tt.shouldErr {
				assert.NotNil(t, errs)
				assert.Contains(t, errs, "name")
			} else {
				assert.Nil(t, errs)
			}
		})
	}
}

func TestValidateRange_Numbers(t *testing.T) {
	tests := []struct {
		name      string
		rate      int
		shouldErr bool
	}{
		{"valid", 100, false},
		{"too small", -1, true},
		{"too large", 100000, true},
		{"min value", 0, false},
		{"max value", 60000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := TestSubscriptionRequest{ResourcePath: "/flows", MaxUpdateRate: tt.rate}

			errs := ValidateRequest(req)
			if tt.shouldErr {
				assert.NotNil(t, errs)
				assert.Contains(t, errs, "maxupdaterate")
			} else {
				assert.Nil(t, errs)
			}
		})
	}
}

func TestFormatValidationError(t *testing.T) {
	req := TestSubscriptionRequest{ResourcePath: "bad", MaxUpdateRate: -5}

	errs := ValidateRequest(req)
	assert.NotNil(t, errs)

	for field, msg := range errs {
		assert.NotEmpty(t, msg, "Error message should not be empty for field: %s", field)
		assert.NotContains(t, msg, "validation failed", "Should use custom error message")
	}
}
