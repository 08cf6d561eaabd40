package vocalroom

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/putto11262002/vocalroom/core"
)

var validate *validator.Validate
var uniTrans *ut.UniversalTranslator

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	en := en.New()
	uniTrans = ut.New(en, en)
	enTrans, _ := uniTrans.GetTranslator("en")

	// name fields after their json key, or the lowercased field name
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return strings.ToLower(field.Name)
		}
		return name
	})

	registerTranslation(enTrans, "required", "{0} is a required field")
	registerTranslation(enTrans, "oneof", "{0} must be one of [{1}]")
	registerTranslation(enTrans, "min", "{0} must be at least {1}")
	registerTranslation(enTrans, "max", "{0} must be at most {1}")
	registerTranslation(enTrans, "gt", "{0} must be greater than {1}")
	registerTranslation(enTrans, "url", "{0} must be a valid URL")
	registerTranslation(enTrans, "ltefield", "{0} must not exceed {1}")
	registerTranslation(enTrans, "required_with", "{0} is required when {1} is set")

	validate.RegisterValidation("port", func(fl validator.FieldLevel) bool {
		port, ok := fl.Field().Interface().(int)
		if !ok {
			return false
		}
		return port > 0 && port <= 65535
	})
	registerTranslation(enTrans, "port", "{0} must be a valid port number")
}

func registerTranslation(trans ut.Translator, tag, text string) {
	validate.RegisterTranslation(tag, trans, func(ut ut.Translator) error {
		return ut.Add(tag, text, true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T(tag, fe.Field(), fe.Param())
		return t
	})
}

// validatePayload validates a decoded event payload. Failures are
// validation errors whose message names the first offending field.
func validatePayload(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return core.ErrInvalidPayload
	}
	trans, _ := uniTrans.GetTranslator("en")
	return core.NewError(core.KindValidation, errs[0].Translate(trans))
}
