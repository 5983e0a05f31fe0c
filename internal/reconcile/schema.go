package reconcile

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// PayloadValidator checks event payloads against the schema of their rule.
type PayloadValidator struct {
	schemas map[string]*jsonschema.Schema
}

func NewPayloadValidator(rules []Rule) (*PayloadValidator, error) {
	v := &PayloadValidator{schemas: map[string]*jsonschema.Schema{}}
	c := jsonschema.NewCompiler()
	for _, rule := range rules {
		if strings.TrimSpace(rule.Schema) == "" {
			continue
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(rule.Schema))
		if err != nil {
			return nil, fmt.Errorf("event schema %s: %w", rule.Kind, err)
		}
		url := fmt.Sprintf("https://relayadmin.local/events/%s.schema.json", rule.Kind)
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("event schema %s: %w", rule.Kind, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("event schema %s compile: %w", rule.Kind, err)
		}
		v.schemas[rule.Kind] = compiled
	}
	return v, nil
}

// Validate returns nil for kinds without a schema.
func (v *PayloadValidator) Validate(kind string, payload map[string]any) error {
	if v == nil {
		return nil
	}
	schema, ok := v.schemas[kind]
	if !ok {
		return nil
	}
	var instance any = map[string]any{}
	if payload != nil {
		instance = payload
	}
	return schema.Validate(instance)
}
