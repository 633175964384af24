// Package schema validates request payloads against caller-supplied JSON
// Schema documents (draft-07, with format assertions such as "email").
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/maypok86/otter"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FieldSchema is the synthetic field name reported for an unusable schema.
const FieldSchema = "schema"

// FieldError describes a single validation failure.
type FieldError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Result is the outcome of validating one payload.
type Result struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
	// Value is the validated payload, with undeclared properties removed when
	// the validator strips them.
	Value interface{} `json:"-"`
}

func (r *Result) addError(field, message string, value interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, FieldError{Field: field, Message: message, Value: value})
}

type compiled struct {
	schema *jsonschema.Schema
	doc    interface{}
	err    error
}

// Validator compiles schemas on first use and caches them by their canonical
// JSON form. It is safe for concurrent use.
type Validator struct {
	removeAdditional bool
	cache            otter.Cache[string, *compiled]
}

type Option func(*Validator)

// WithRemoveAdditional strips properties that an object schema forbids via
// "additionalProperties": false instead of reporting them.
func WithRemoveAdditional(enabled bool) Option {
	return func(v *Validator) {
		v.removeAdditional = enabled
	}
}

func New(cacheSize int, opts ...Option) *Validator {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := otter.MustBuilder[string, *compiled](cacheSize).
		Cost(func(_ string, _ *compiled) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("schema: failed to create schema cache: " + err.Error())
	}
	v := &Validator{cache: cache}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Check reports whether schemaDoc is a usable schema.
func (v *Validator) Check(schemaDoc []byte) error {
	return v.compile(schemaDoc).err
}

// Validate checks data, a value decoded from JSON, against schemaDoc.
// A malformed schema yields an invalid result with a "schema" field error.
func (v *Validator) Validate(data interface{}, schemaDoc []byte) Result {
	result := Result{Valid: true, Value: data}

	c := v.compile(schemaDoc)
	if c.err != nil {
		result.addError(FieldSchema, c.err.Error(), nil)
		return result
	}

	if v.removeAdditional {
		data = stripAdditional(c.doc, data)
		result.Value = data
	}

	err := c.schema.Validate(data)
	if err == nil {
		return result
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		result.addError("", err.Error(), nil)
		return result
	}
	collectErrors(verr, data, &result)
	if result.Valid {
		// A failing root with no leaf causes still has to be reported.
		result.addError(fieldFromPointer(verr.InstanceLocation), verr.Message, nil)
	}
	return result
}

func (v *Validator) compile(schemaDoc []byte) *compiled {
	var doc interface{}
	if err := json.Unmarshal(schemaDoc, &doc); err != nil {
		return &compiled{err: fmt.Errorf("schema is not valid JSON: %w", err)}
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		return &compiled{err: fmt.Errorf("schema cannot be encoded: %w", err)}
	}

	key := string(canonical)
	if c, ok := v.cache.Get(key); ok {
		return c
	}

	c := &compiled{doc: doc}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	compiler.LoadURL = rejectExternal
	if err := compiler.AddResource("schema.json", bytes.NewReader(canonical)); err != nil {
		c.err = fmt.Errorf("invalid schema: %w", err)
	} else if c.schema, err = compiler.Compile("schema.json"); err != nil {
		c.err = fmt.Errorf("invalid schema: %w", err)
	}
	v.cache.Set(key, c)
	return c
}

// ErrExternalRef is returned for a $ref that leaves the schema document.
var ErrExternalRef = errors.New("external $ref is not allowed")

func rejectExternal(url string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("%w: %s", ErrExternalRef, url)
}

var quotedName = regexp.MustCompile(`'((?:[^'\\]|\\.)*)'`)

func collectErrors(err *jsonschema.ValidationError, data interface{}, result *Result) {
	if len(err.Causes) > 0 {
		for _, cause := range err.Causes {
			collectErrors(cause, data, result)
		}
		return
	}

	field := fieldFromPointer(err.InstanceLocation)
	if strings.HasSuffix(err.KeywordLocation, "/required") {
		// One error per missing property, addressed at the property itself.
		names := quotedName.FindAllStringSubmatch(err.Message, -1)
		for _, m := range names {
			name := m[1]
			if unquoted, uerr := strconv.Unquote(`"` + m[1] + `"`); uerr == nil {
				name = unquoted
			}
			result.addError(joinField(field, name), fmt.Sprintf("%s is required", name), nil)
		}
		if len(names) > 0 {
			return
		}
	}

	result.addError(field, err.Message, lookup(data, err.InstanceLocation))
}

// fieldFromPointer converts a JSON pointer ("/address/city") to a dotted path.
func fieldFromPointer(pointer string) string {
	if pointer == "" || pointer == "/" {
		return ""
	}
	parts := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
	for i, p := range parts {
		parts[i] = unescapePointer(p)
	}
	return strings.Join(parts, ".")
}

func joinField(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

func unescapePointer(token string) string {
	token = strings.ReplaceAll(token, "~1", "/")
	return strings.ReplaceAll(token, "~0", "~")
}

// lookup resolves a JSON pointer against data, returning nil when absent.
func lookup(data interface{}, pointer string) interface{} {
	if pointer == "" {
		return data
	}
	current := data
	for _, token := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		token = unescapePointer(token)
		switch node := current.(type) {
		case map[string]interface{}:
			current = node[token]
		case []interface{}:
			idx, err := strconv.Atoi(token)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
	}
	return current
}

// stripAdditional removes object properties forbidden by
// "additionalProperties": false, following properties and items.
func stripAdditional(schemaDoc, data interface{}) interface{} {
	s, ok := schemaDoc.(map[string]interface{})
	if !ok {
		return data
	}

	switch value := data.(type) {
	case map[string]interface{}:
		props, _ := s["properties"].(map[string]interface{})
		if additional, ok := s["additionalProperties"].(bool); ok && !additional {
			for key := range value {
				if _, declared := props[key]; !declared {
					delete(value, key)
				}
			}
		}
		for key, sub := range props {
			if child, ok := value[key]; ok {
				value[key] = stripAdditional(sub, child)
			}
		}
		return value
	case []interface{}:
		if items, ok := s["items"].(map[string]interface{}); ok {
			for i := range value {
				value[i] = stripAdditional(items, value[i])
			}
		}
		return value
	default:
		return data
	}
}
