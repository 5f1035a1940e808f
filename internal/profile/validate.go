package profile

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func init() {
	_ = validate.RegisterValidation("rangeexpr", validateRangeExpr)
}

func validateRangeExpr(fl validator.FieldLevel) bool {
	_, err := ExpandRange(fl.Field().String())
	return err == nil
}

// ValidateCatalog checks every profile, including cross-references that
// struct tags cannot express (task prerequisites must name tasks of the
// same profile and must not require themselves).
func ValidateCatalog(c *Catalog) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("catalog validation failed: %w", err)
	}

	for image, p := range c.Profiles {
		for name, t := range p.Tasks {
			if t.Requires == "" {
				continue
			}
			if t.Requires == name {
				return fmt.Errorf("profile %q: task %q requires itself", image, name)
			}
			if _, ok := p.Tasks[t.Requires]; !ok {
				return fmt.Errorf("profile %q: task %q requires unknown task %q", image, name, t.Requires)
			}
		}
	}
	return nil
}

// ValidateProfile checks a single profile outside a catalog.
func ValidateProfile(p *Profile) error {
	return validate.Struct(p)
}
