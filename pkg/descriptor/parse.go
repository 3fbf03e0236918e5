package descriptor

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(Schema))
	if err != nil {
		panic(fmt.Sprintf("descriptor: invalid embedded schema: %v", err))
	}
	return schema
}

// ParseFile reads path from fsys and parses it
func ParseFile(fsys fs.FS, path string) (*Descriptor, error) {
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		return nil, &ParseError{Source: path, Reason: ReasonRead, Err: err}
	}
	return Parse(path, data)
}

// Parse decodes one YAML descriptor document. source names the document in
// errors and is stored on the returned Descriptor.
//
// Parameters keep the order in which they appear under
// inputSchema.properties. A parameter whose type is missing or unknown is
// typed as string and a warning is added to Descriptor.Warnings.
func Parse(source string, data []byte) (*Descriptor, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ParseError{Source: source, Reason: "invalid YAML", Err: err}
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, &ParseError{Source: source, Reason: "empty document"}
	}

	doc := resolve(root.Content[0])
	if doc.Kind != yaml.MappingNode {
		return nil, &ParseError{Source: source, Reason: "document must be a mapping"}
	}

	// Decoding into a map also rejects duplicate keys at every level
	var generic map[string]interface{}
	if err := doc.Decode(&generic); err != nil {
		return nil, &ParseError{Source: source, Reason: "invalid YAML", Err: err}
	}

	if err := validateSchema(generic); err != nil {
		return nil, &ParseError{Source: source, Reason: "invalid descriptor", Err: err}
	}

	d := &Descriptor{
		Name:   generic["name"].(string),
		Source: source,
	}
	if desc, ok := generic["description"].(string); ok {
		d.Description = desc
	}
	if op, ok := generic["operation"].(map[string]interface{}); ok {
		d.Expression, _ = op["expression"].(string)
	}

	properties := mappingValue(mappingValue(doc, "inputSchema"), "properties")
	if properties == nil {
		return nil, &ParseError{Source: source, Reason: "inputSchema.properties is required"}
	}

	for i := 0; i+1 < len(properties.Content); i += 2 {
		name := properties.Content[i].Value
		prop := resolve(properties.Content[i+1])

		param := Parameter{Name: name}
		if typ := mappingValue(prop, "type"); typ != nil {
			param.DeclaredType = typ.Value
		}
		if desc := mappingValue(prop, "description"); desc != nil {
			param.Description = desc.Value
		}

		var known bool
		param.Type, known = ParseType(param.DeclaredType)
		if !known {
			declared := param.DeclaredType
			if declared == "" {
				declared = "<none>"
			}
			d.Warnings = append(d.Warnings,
				fmt.Sprintf("parameter %q declares unknown type %q, using string", name, declared))
		}

		d.Parameters = append(d.Parameters, param)
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}

	return d, nil
}

// validateSchema checks doc against Schema and reports every violation
func validateSchema(doc map[string]interface{}) error {
	result, err := compiledSchema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var errs error
	for _, re := range result.Errors() {
		errs = multierr.Append(errs, errors.New(re.String()))
	}
	return fmt.Errorf("%w: %w", ErrSchema, errs)
}

// mappingValue returns the value node for key in a mapping node, or nil
func mappingValue(n *yaml.Node, key string) *yaml.Node {
	n = resolve(n)
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			v := resolve(n.Content[i+1])
			if v.Kind == yaml.ScalarNode && v.Tag == "!!null" {
				return nil
			}
			return v
		}
	}
	return nil
}

func resolve(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}
