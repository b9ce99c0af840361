package usecases

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

func ValidateUUID(rawUUID string) bool {
	_, err := uuid.Parse(rawUUID)
	return err == nil
}

// checkInput runs struct tag validation and reports failures as ErrInvalidInput.
func checkInput(v *validator.Validate, req interface{}) error {
	if err := v.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func checkContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	return nil
}
