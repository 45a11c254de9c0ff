package dealroom

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	maxInvestmentBlurbLength   = 500
	maxInvestmentSummaryLength = 10000
)

var fieldValidator = newFieldValidator()

func newFieldValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return validate
}

// ValidateDraftData checks only the members present in data.
func ValidateDraftData(data DraftData) error {
	var problems []FieldError
	if data.ShowcasePhoto != nil {
		problems = append(problems, validateStruct(string(FieldShowcasePhoto), *data.ShowcasePhoto)...)
	}
	if data.InvestmentBlurb != nil {
		problems = append(problems, validateText(FieldInvestmentBlurb, *data.InvestmentBlurb, maxInvestmentBlurbLength)...)
	}
	if data.InvestmentSummary != nil {
		problems = append(problems, validateText(FieldInvestmentSummary, *data.InvestmentSummary, maxInvestmentSummaryLength)...)
	}
	if data.KeyInfo != nil {
		for index, item := range *data.KeyInfo {
			problems = append(problems, validateStruct(fmt.Sprintf("%s[%d]", FieldKeyInfo, index), item)...)
		}
	}
	if data.ExternalLinks != nil {
		for index, link := range *data.ExternalLinks {
			problems = append(problems, validateStruct(fmt.Sprintf("%s[%d]", FieldExternalLinks, index), link)...)
		}
	}
	if len(problems) > 0 {
		return newValidationError(problems...)
	}
	return nil
}

// ValidateFields checks a complete field set.
func ValidateFields(fields Fields) error {
	keyInfo := fields.KeyInfo
	externalLinks := fields.ExternalLinks
	return ValidateDraftData(DraftData{
		ShowcasePhoto:     fields.ShowcasePhoto,
		InvestmentBlurb:   &fields.InvestmentBlurb,
		InvestmentSummary: &fields.InvestmentSummary,
		KeyInfo:           &keyInfo,
		ExternalLinks:     &externalLinks,
	})
}

func validateText(field FieldName, value string, maxLength int) []FieldError {
	err := fieldValidator.Var(value, fmt.Sprintf("max=%d", maxLength))
	if err == nil {
		return nil
	}
	return []FieldError{{
		Field:   string(field),
		Message: fmt.Sprintf("must be at most %d characters", maxLength),
	}}
}

func validateStruct(prefix string, value any) []FieldError {
	err := fieldValidator.Struct(value)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return []FieldError{{Field: prefix, Message: err.Error()}}
	}
	problems := make([]FieldError, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		problems = append(problems, FieldError{
			Field:   prefix + "." + fieldErr.Field(),
			Message: describeRule(fieldErr),
		})
	}
	return problems
}

func describeRule(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return "is required"
	case "http_url":
		return "must be an absolute http or https url"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fieldErr.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fieldErr.Param())
	default:
		return fmt.Sprintf("failed %s validation", fieldErr.Tag())
	}
}
