package utils

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// ValidationError lists the failing fields of one struct.
type ValidationError struct {
	Fields []string
	msgs   []string
}

func (e *ValidationError) Error() string { return strings.Join(e.msgs, ", ") }

// ValidateStruct checks validate tags and flattens the failures into one
// readable error.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	out := &ValidationError{}
	for _, fe := range verrs {
		field := fe.Field()
		out.Fields = append(out.Fields, field)
		param := fe.Param()

		switch fe.Tag() {
		case "required":
			out.msgs = append(out.msgs, field+" is required")
		case "email":
			out.msgs = append(out.msgs, field+" must be a valid email")
		case "gte":
			out.msgs = append(out.msgs, field+" must be at least "+param)
		case "lte":
			out.msgs = append(out.msgs, field+" must be at most "+param)
		case "len":
			out.msgs = append(out.msgs, field+" must be exactly "+param+" characters")
		case "oneof":
			out.msgs = append(out.msgs, field+" must be one of "+param)
		default:
			out.msgs = append(out.msgs, field+" is invalid")
		}
	}

	return out
}

// FirstInvalidField names the first failing field, or "".
func FirstInvalidField(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) && len(verr.Fields) > 0 {
		return verr.Fields[0]
	}
	return ""
}
