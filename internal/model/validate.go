package model

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Normalize fills defaults before validation or persistence.
func (a *PersonalAlert) Normalize() {
	a.Asset = strings.TrimSpace(a.Asset)
	a.Condition.Field = strings.TrimSpace(a.Condition.Field)
	a.Condition.Operator = Operator(strings.ToLower(string(a.Condition.Operator)))
	if a.CheckFrequency == 0 {
		a.CheckFrequency = DefaultCheckFrequency
	}
}

// Validate checks an alert definition before it is stored.
func (a *PersonalAlert) Validate() error {
	if err := validatorInstance().Struct(a); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("alert: invalid %s (%s)", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("alert: %w", err)
	}
	if a.Condition.Value == nil {
		return errors.New("alert: condition value is required")
	}
	return nil
}
