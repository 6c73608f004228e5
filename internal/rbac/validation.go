package rbac

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	moduleNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

	validateOnce sync.Once
	validate     *validator.Validate
)

func validModuleName(name string) bool {
	return len(name) <= 64 && moduleNamePattern.MatchString(name)
}

func roleValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(field reflect.StructField) string {
			name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("module", func(fl validator.FieldLevel) bool {
			return validModuleName(fl.Field().String())
		})
		_ = v.RegisterValidation("level", func(fl validator.FieldLevel) bool {
			return Level(fl.Field().Uint()).Valid()
		})
		_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
			_, err := ParseClock(fl.Field().String())
			return err == nil
		})
		validate = v
	})
	return validate
}

// Validate performs synchronous structural validation of a role. It never
// touches storage; uniqueness is checked separately by the caller.
func Validate(role Role) error {
	if err := roleValidator().Struct(role); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make(map[string]string, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields[trimNamespace(fe.Namespace())] = describe(fe)
			}
			return &ValidationError{Fields: fields}
		}
		return err
	}
	for _, parent := range role.InheritsFrom {
		if parent == role.ID {
			return &CycleError{RoleID: role.ID, Path: []string{role.ID, role.ID}}
		}
	}
	return nil
}

func trimNamespace(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must have at least " + fe.Param()
	case "gte", "lte":
		return "is out of range"
	case "unique":
		return "contains duplicates"
	case "module":
		return "must be a lower-case module name"
	case "level":
		return "must be one of read, create, update, delete, manage"
	case "hhmm":
		return "must be HH:MM"
	case "datetime":
		return "must be YYYY-MM-DD"
	case "cidr|ip":
		return "must be an IP address or CIDR range"
	default:
		return "failed " + fe.Tag()
	}
}
