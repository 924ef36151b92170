// Package validation wraps go-playground/validator to check decoded OCPP
// request payloads before they reach a dispatch handler, turning struct-tag
// failures into the ProtocolError taxonomy the core expects.
package validation

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ocpp16cp/chargepoint/internal/ocpp"
)

type Validator struct {
	validate *validator.Validate
}

type FieldError struct {
	Field   string
	Tag     string
	Value   string
	Message string
}

func (e FieldError) Error() string { return e.Message }

type Errors []FieldError

func (e Errors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, fe := range e {
		msgs = append(msgs, fe.Message)
	}
	return strings.Join(msgs, "; ")
}

func New() *Validator {
	v := validator.New()
	v.RegisterValidation("ocpp_id_token", validateIDToken)
	return &Validator{validate: v}
}

// ValidateStruct runs struct-tag validation over a decoded payload. A
// non-nil error is always an Errors value.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return Errors{{Message: err.Error()}}
	}
	out := make(Errors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Value:   fmt.Sprintf("%v", fe.Value()),
			Message: message(fe),
		})
	}
	return out
}

func validateIDToken(fl validator.FieldLevel) bool {
	v := fl.Field().String()
	return len(v) > 0 && len(v) <= 20
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("field %q is required", fe.Field())
	case "min":
		return fmt.Sprintf("field %q must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("field %q must not exceed %s", fe.Field(), fe.Param())
	case "ocpp_id_token":
		return fmt.Sprintf("field %q must be 1-20 characters", fe.Field())
	default:
		return fmt.Sprintf("field %q failed validation %q", fe.Field(), fe.Tag())
	}
}

// ProtocolErrorFor maps a validation failure to the CallError code the
// dispatch layer should reply with (§4.10/§7).
func ProtocolErrorFor(err error) ocpp.ProtocolErrorCode {
	if err == nil {
		return ""
	}
	return ocpp.ErrPropertyConstraintViolation
}
