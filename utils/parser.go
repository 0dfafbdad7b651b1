package utils

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/paykit/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("plantier", validatePlanTierTag)
	validate.RegisterValidation("solanaaddr", validateAddressTag)
}

// ValidateStruct runs struct-tag validation and maps failures to INVALID_INPUT.
func ValidateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return types.WrapError(types.ErrCodeInvalidInput, fmt.Sprintf("validation failed: %v", err), err)
	}
	return nil
}

// ParseJSON decodes data into v and validates it.
func ParseJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return types.WrapError(types.ErrCodeInvalidInput, fmt.Sprintf("failed to parse request: %v", err), err)
	}
	return ValidateStruct(v)
}

// ValidateConfig validates a loaded configuration.
func ValidateConfig(cfg *types.Config) error {
	if err := validate.Struct(cfg); err != nil {
		return types.WrapError(types.ErrCodeConfigError, fmt.Sprintf("validation failed: %v", err), err)
	}
	return nil
}

func validatePlanTierTag(fl validator.FieldLevel) bool {
	return types.PlanTier(fl.Field().String()).IsValid()
}

func validateAddressTag(fl validator.FieldLevel) bool {
	_, err := ParseAddress("", fl.Field().String())
	return err == nil
}
