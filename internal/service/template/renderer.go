package template

import (
	"fmt"

	"github.com/osteele/liquid"

	"github.com/acme/lead-drip-engine/internal/domain"
	apperrors "github.com/acme/lead-drip-engine/pkg/errors"
)

// Renderer personalizes campaign scripts with per-contact fields using
// Liquid templates, e.g. "Hi {{ first_name }}, about {{ street_name }}...".
type Renderer struct {
	engine *liquid.Engine
}

// NewRenderer constructs a script renderer.
func NewRenderer() *Renderer {
	return &Renderer{engine: liquid.NewEngine()}
}

// Render substitutes the contact's personalization fields into the script.
// Custom fields take precedence only where they do not collide with the
// built-in bindings.
func (r *Renderer) Render(script string, contact *domain.Contact) (string, error) {
	bindings := map[string]any{}
	for k, v := range contact.Fields {
		bindings[k] = v
	}
	bindings["first_name"] = contact.FirstName
	bindings["phone"] = contact.Phone

	out, err := r.engine.ParseAndRenderString(script, bindings)
	if err != nil {
		return "", fmt.Errorf("%w: render script: %v", apperrors.ErrValidation, err)
	}
	return out, nil
}

// Validate parses the script without rendering, used at campaign creation.
func (r *Renderer) Validate(script string) error {
	if _, err := r.engine.ParseString(script); err != nil {
		return fmt.Errorf("%w: invalid script template: %v", apperrors.ErrValidation, err)
	}
	return nil
}
