package jobs

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"tickd/internal/task/cronexpr"
)

var validate = validator.New()

var nameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

func init() {
	validate.RegisterValidation("jobname", func(fl validator.FieldLevel) bool {
		return nameRegex.MatchString(fl.Field().String())
	})
}

func validateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func validateVar(v any, tag, field string) error {
	if err := validate.Var(v, tag); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidInput, field, err)
	}
	return nil
}

func validateSchedule(expr string) error {
	if _, err := cronexpr.Parse(expr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return nil
}
