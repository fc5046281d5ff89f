package chatter

import (
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
)

// configValidator checks a Config and renders failures in English, naming
// fields by their config key.
type configValidator struct {
	v     *validator.Validate
	trans ut.Translator
}

var (
	configValidatorOnce sync.Once
	sharedValidator     *configValidator
)

func getConfigValidator() *configValidator {
	configValidatorOnce.Do(func() {
		sharedValidator = newConfigValidator()
	})
	return sharedValidator
}

var configMessages = map[string]string{
	"required":      "{0} is a required field",
	"hostname_port": "{0} must be a host:port address",
	"port":          "{0} must be a valid port number",
	"gt":            "{0} must be greater than {1}",
	"min":           "{0} must be at least {1}",
	"max":           "{0} must be at most {1}",
	"oneof":         "{0} must be one of [{1}]",
}

func newConfigValidator() *configValidator {
	locale := en.New()
	trans, _ := ut.New(locale, locale).GetTranslator("en")
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		key, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		switch key {
		case "", "-":
			return strings.ToLower(field.Name)
		}
		return key
	})
	v.RegisterValidation("port", func(fl validator.FieldLevel) bool {
		p := fl.Field().Int()
		return p > 0 && p <= 65535
	})

	for tag, text := range configMessages {
		v.RegisterTranslation(tag, trans,
			func(t ut.Translator) error { return t.Add(tag, text, true) },
			func(t ut.Translator, fe validator.FieldError) string {
				msg, _ := t.T(fe.Tag(), fe.Field(), fe.Param())
				return msg
			})
	}
	return &configValidator{v: v, trans: trans}
}
