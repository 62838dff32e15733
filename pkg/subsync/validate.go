package subsync

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks a record's struct constraints before it is written.
// Failures wrap ErrInvalidRecord.
func Validate(record interface{}) error {
	if err := validate.Struct(record); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}
