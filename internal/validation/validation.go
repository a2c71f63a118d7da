package validation

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var roomCodeRe = regexp.MustCompile(`^[A-Z0-9]{4}$`)

// New returns a validator with the project's custom tags registered.
// `roomcode` accepts exactly four uppercase alphanumeric characters;
// callers normalize case before validating.
func New() *validator.Validate {
	v := validator.New()
	mustRegister(v, "roomcode", func(fl validator.FieldLevel) bool {
		return roomCodeRe.MatchString(fl.Field().String())
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(err)
	}
}
