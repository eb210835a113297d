// Package validation holds the input rules shared by the WebSocket and REST surfaces.
package validation

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

const MaxNameLength = 64

var validate = validator.New()

type nameRequest struct {
	Name string `validate:"required,max=64"`
}

// Name trims and checks a display name.
// The trimmed name is what gets registered and bound.
func Name(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if err := validate.Struct(nameRequest{Name: name}); err != nil {
		return "", fmt.Errorf("%w: username must be 1 to %d characters", errors.ErrValidation, MaxNameLength)
	}
	if domain.IsReservedName(name) {
		return "", fmt.Errorf("%w: username %q is reserved", errors.ErrValidation, name)
	}
	if hasControl(name) {
		return "", fmt.Errorf("%w: username contains control characters", errors.ErrValidation)
	}
	return name, nil
}

// Body checks a message body. Bodies are stored untouched, so only a blank body is rejected;
// maxLength counts characters and 0 means unlimited.
func Body(body string, maxLength int) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: message body is empty", errors.ErrValidation)
	}
	if maxLength > 0 {
		if err := validate.Var(body, fmt.Sprintf("max=%d", maxLength)); err != nil {
			return fmt.Errorf("%w: message body exceeds %d characters", errors.ErrValidation, maxLength)
		}
	}
	return nil
}

// Inbound checks the shape of a client event before it is mapped to a command.
func Inbound(e domain.InboundEvent) error {
	if err := validate.Struct(e); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
			first := fieldErrors[0]
			return fmt.Errorf("%w: field %s failed on %s", errors.ErrValidation,
				strings.ToLower(first.Field()), first.Tag())
		}
		return fmt.Errorf("%w: %v", errors.ErrValidation, err)
	}
	return nil
}

func hasControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
