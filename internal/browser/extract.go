package browser

import (
	"context"
	"fmt"

	"webrunner/internal/logging"
	"webrunner/internal/types"

	"github.com/go-rod/rod"
)

// ExtractData evaluates each selector against the current page and returns
// a record keyed by selector name. A single-match selector with no hits maps
// to nil; a multi-match selector with no hits maps to an empty slice. An
// empty selector list yields an empty record, not an error.
func (c *Context) ExtractData(ctx context.Context, selectors []types.SelectorSpec) (map[string]interface{}, error) {
	result := make(map[string]interface{}, len(selectors))
	page := c.page.Context(ctx)

	for _, spec := range selectors {
		if spec.Selector == "" {
			return nil, fmt.Errorf("selector %q: empty selector expression", spec.Name)
		}

		if spec.Multiple {
			values, err := extractAll(page, spec)
			if err != nil {
				return nil, fmt.Errorf("selector %q: %w", spec.Name, err)
			}
			result[spec.Name] = values
			continue
		}

		value, found, err := extractOne(page, spec)
		if err != nil {
			return nil, fmt.Errorf("selector %q: %w", spec.Name, err)
		}
		if !found {
			logging.BrowserDebug("selector %q matched nothing", spec.Name)
			result[spec.Name] = nil
			continue
		}
		result[spec.Name] = value
	}
	return result, nil
}

func extractOne(page *rod.Page, spec types.SelectorSpec) (string, bool, error) {
	elements, err := page.Elements(spec.Selector)
	if err != nil {
		return "", false, err
	}
	if len(elements) == 0 {
		return "", false, nil
	}
	value, err := elementValue(elements[0], spec)
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func extractAll(page *rod.Page, spec types.SelectorSpec) ([]string, error) {
	elements, err := page.Elements(spec.Selector)
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, len(elements))
	for _, el := range elements {
		value, err := elementValue(el, spec)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

func elementValue(el *rod.Element, spec types.SelectorSpec) (string, error) {
	switch spec.Type {
	case types.SelectorText, "":
		return el.Text()
	case types.SelectorHTML:
		return el.HTML()
	case types.SelectorAttribute:
		if spec.Attribute == "" {
			return "", fmt.Errorf("attribute selector requires an attribute name")
		}
		attr, err := el.Attribute(spec.Attribute)
		if err != nil {
			return "", err
		}
		if attr == nil {
			return "", nil
		}
		return *attr, nil
	default:
		return "", fmt.Errorf("unknown selector type %q", spec.Type)
	}
}
