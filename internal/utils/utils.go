package utils

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

type CustomErrorResponse struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// BindingErr flattens a gin binding error into field errors. Errors that are
// not validation failures (malformed JSON) become a single entry.
func BindingErr(err error) []CustomErrorResponse {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return ValidationErr(verrs)
	}
	return []CustomErrorResponse{{Tag: "json", Message: err.Error()}}
}

func ValidationErr(err validator.ValidationErrors) []CustomErrorResponse {
	var errors []CustomErrorResponse
	for _, fieldErr := range err {
		errors = append(errors, CustomErrorResponse{
			Field:   fieldErr.Field(),
			Tag:     fieldErr.ActualTag(),
			Message: GetErrorMessage(fieldErr),
		})
	}
	return errors
}

func GetErrorMessage(fe validator.FieldError) string {
	switch fe.ActualTag() {
	case "required":
		return "This field is required."
	case "max":
		return fmt.Sprintf("Must be at most %s characters.", fe.Param())
	case "min":
		return fmt.Sprintf("Must be at least %s.", fe.Param())
	case "oneof":
		return fmt.Sprintf("Must be one of: %s.", fe.Param())
	case "required_with":
		return fmt.Sprintf("Required when %s is set.", fe.Param())
	case "nefield":
		return fmt.Sprintf("Must differ from %s.", fe.Param())
	default:
		return "Unknown validation error."
	}
}
