package service

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"flowmint/internal/apperr"
)

var (
	defaultValidate     *validator.Validate
	defaultValidateOnce sync.Once
)

func validatorOrDefault(v *validator.Validate) *validator.Validate {
	if v != nil {
		return v
	}
	defaultValidateOnce.Do(func() {
		defaultValidate = validator.New(validator.WithRequiredStructEnabled())
		defaultValidate.RegisterTagNameFunc(jsonFieldName)
	})
	return defaultValidate
}

func jsonFieldName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

// validationError converts validator output into an apperr validation error
// naming every offending field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation("", err.Error())
	}
	fields := make([]string, 0, len(verrs))
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := fe.Namespace()
		if i := strings.Index(name, "."); i >= 0 {
			name = name[i+1:]
		}
		fields = append(fields, name)
		msgs = append(msgs, name+" failed "+fe.Tag())
	}
	return apperr.Validation("", strings.Join(msgs, "; "), fields...)
}
