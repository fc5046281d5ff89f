package core

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// report json field names
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate checks v against its validate tags and reports failures as a ValidationError.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return wrapError(ValidationError, "invalid "+fe.Field()+": failed "+fe.Tag(), err)
		}
		return wrapError(ValidationError, "invalid payload", err)
	}
	return nil
}
