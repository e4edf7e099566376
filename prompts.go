package opik

import (
	"context"
	"fmt"

	"github.com/opikhq/opik-go/internal/rest"
)

// PromptType distinguishes plain-text templates from chat-message
// templates. The two shapes are not interchangeable.
type PromptType string

const (
	PromptTypeText PromptType = "text"
	PromptTypeChat PromptType = "chat"
)

// Prompt is a versioned prompt template registered with the backend.
// Attaching a Prompt to a trace or span serializes a reference to this
// exact version into the entity's metadata.
type Prompt struct {
	Name     string
	Template string
	Type     PromptType
	Commit   string
	Version  int
	Metadata map[string]any
}

// PromptParams configures GetOrCreatePrompt. Type defaults to text.
type PromptParams struct {
	Name     string
	Template string
	Type     PromptType
	Metadata map[string]any
}

// GetOrCreatePrompt returns the stored prompt version matching the
// given template, registering a new version when the template changed
// and the prompt itself when it does not exist yet.
//
// Unlike capture calls this is synchronous: it fails immediately when a
// prompt already exists with an incompatible type (ErrPromptConflict),
// because silently proceeding would corrupt prompt semantics.
func (c *Client) GetOrCreatePrompt(ctx context.Context, params PromptParams) (*Prompt, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("opik: prompt name must not be empty")
	}
	promptType := params.Type
	if promptType == "" {
		promptType = PromptTypeText
	}

	existing, err := c.rest.GetPromptVersion(ctx, params.Name)
	switch {
	case IsNotFound(err):
		// First version of a new prompt.
	case err != nil:
		return nil, err
	default:
		if existing.Type != "" && existing.Type != string(promptType) {
			return nil, fmt.Errorf("%w: %q is %s, requested %s",
				ErrPromptConflict, params.Name, existing.Type, promptType)
		}
		if existing.Template == params.Template {
			return promptFromVersion(existing), nil
		}
	}

	created, err := c.rest.CreatePromptVersion(ctx, rest.PromptVersion{
		Name:     params.Name,
		Template: params.Template,
		Type:     string(promptType),
		Metadata: params.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return promptFromVersion(created), nil
}

func promptFromVersion(pv *rest.PromptVersion) *Prompt {
	return &Prompt{
		Name:     pv.Name,
		Template: pv.Template,
		Type:     PromptType(pv.Type),
		Commit:   pv.Commit,
		Version:  pv.Version,
		Metadata: pv.Metadata,
	}
}

// promptRefs serializes prompt version references for the reserved
// metadata key. The list is always recomputed from the prompts given on
// this call, never merged with a previously stored list.
func promptRefs(prompts []*Prompt) []any {
	if len(prompts) == 0 {
		return nil
	}
	refs := make([]any, 0, len(prompts))
	for _, p := range prompts {
		if p == nil {
			continue
		}
		ref := map[string]any{"name": p.Name}
		if p.Commit != "" {
			ref["commit"] = p.Commit
		}
		if p.Version > 0 {
			ref["version"] = p.Version
		}
		refs = append(refs, ref)
	}
	return refs
}
