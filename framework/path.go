// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package framework

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/stephnangue/walletd/logical"
)

// GenericNameRegex returns a regex string that captures a path segment
// under the given name. Segments are word characters with interior
// dashes and dots allowed.
func GenericNameRegex(name string) string {
	return fmt.Sprintf(`(?P<%s>\w(([\w-.]+)?\w)?)`, name)
}

// PathAppend flattens lists of paths into a single list.
func PathAppend(paths ...[]*Path) []*Path {
	var result []*Path
	for _, ps := range paths {
		result = append(result, ps...)
	}
	return result
}

// Path is a single path that the backend responds to.
type Path struct {
	// Pattern is a regular expression matched against the request path.
	// Named captures become request fields, which should map to a schema
	// in Fields. A ^ is prepended and a $ appended automatically.
	Pattern string

	// Fields is the mapping of data fields to a schema describing that
	// field. Named captures from Pattern must have entries here.
	Fields map[string]*FieldSchema

	// Operations maps each supported operation to its handler.
	Operations map[logical.Operation]OperationHandler

	// HelpSynopsis is a one-sentence description of the path.
	HelpSynopsis string

	// HelpDescription is a long-form description of the path.
	HelpDescription string

	// TakesArbitraryInput allows request data that has no schema entry,
	// for endpoints that accept free-form payloads.
	TakesArbitraryInput bool
}

// OperationHandler defines and describes a specific operation handler.
type OperationHandler interface {
	Handler() OperationFunc
	Properties() OperationProperties
}

// OperationProperties describes an operation for help text and clients.
type OperationProperties struct {
	// Summary is a brief (usually one line) description of the operation.
	Summary string

	// Description is extended documentation of the operation.
	Description string
}

// PathOperation is a concrete implementation of OperationHandler.
type PathOperation struct {
	Callback    OperationFunc
	Summary     string
	Description string
}

func (p *PathOperation) Handler() OperationFunc { return p.Callback }

func (p *PathOperation) Properties() OperationProperties {
	return OperationProperties{
		Summary:     strings.TrimSpace(p.Summary),
		Description: strings.TrimSpace(p.Description),
	}
}

// FieldSchema is a basic schema to describe the format of a path field.
type FieldSchema struct {
	Type        FieldType
	Default     interface{}
	Description string
	Required    bool
	Deprecated  bool

	// Query marks a field that may also arrive as a URL query parameter.
	Query bool

	// AllowedValues is an optional list of permitted values for this field.
	AllowedValues []interface{}
}

// DefaultOrZero returns the default value if it is set, or otherwise
// the zero value of the type.
func (s *FieldSchema) DefaultOrZero() interface{} {
	if s.Default == nil {
		return s.Type.Zero()
	}
	if s.Type == TypeDurationSecond {
		dur, err := parseutil.ParseDurationSecond(s.Default)
		if err != nil {
			return s.Type.Zero()
		}
		return int(dur.Seconds())
	}
	return s.Default
}

// Zero returns the correct zero-value for a specific FieldType
func (t FieldType) Zero() interface{} {
	switch t {
	case TypeString, TypeNameString, TypeLowerCaseString:
		return ""
	case TypeInt, TypeDurationSecond:
		return 0
	case TypeInt64:
		return int64(0)
	case TypeBool:
		return false
	case TypeMap:
		return map[string]interface{}{}
	case TypeKVPairs:
		return map[string]string{}
	case TypeStringSlice, TypeCommaStringSlice:
		return []string{}
	default:
		panic("unknown type: " + t.String())
	}
}

// orPlaceholder trims s, substituting the placeholder when nothing is
// left. Help output always shows something for every section.
func orPlaceholder(s, placeholder string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return placeholder
}

// fieldHelp builds the sorted per-field section of a path's help text.
func fieldHelp(fields map[string]*FieldSchema) []pathTemplateFieldData {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]pathTemplateFieldData, 0, len(keys))
	for _, k := range keys {
		schema := fields[k]
		out = append(out, pathTemplateFieldData{
			Key:         k,
			Type:        schema.Type.String(),
			Description: orPlaceholder(schema.Description, "<no description>"),
			Deprecated:  schema.Deprecated,
		})
	}
	return out
}

// helpCallback renders the built-in help response for a path.
func (p *Path) helpCallback(b *Backend) OperationFunc {
	return func(ctx context.Context, req *logical.Request, data *FieldData) (*logical.Response, error) {
		help, err := executeTemplate(pathHelpTemplate, &pathTemplateData{
			Request:      req.Path,
			RoutePattern: p.Pattern,
			Synopsis:     orPlaceholder(p.HelpSynopsis, "<no synopsis>"),
			Description:  orPlaceholder(p.HelpDescription, "<no description>"),
			Fields:       fieldHelp(p.Fields),
		})
		if err != nil {
			return nil, fmt.Errorf("error executing template: %w", err)
		}

		return &logical.Response{
			Data: map[string]interface{}{
				"help": help,
			},
		}, nil
	}
}

type pathTemplateData struct {
	Request      string
	RoutePattern string
	Synopsis     string
	Description  string
	Fields       []pathTemplateFieldData
}

type pathTemplateFieldData struct {
	Key         string
	Type        string
	Deprecated  bool
	Description string
}

const pathHelpTemplate = `
Request:        {{.Request}}
Matching Route: {{.RoutePattern}}

{{.Synopsis}}

{{ if .Fields -}}
## PARAMETERS
{{range .Fields}}
{{indent 4 .Key}} ({{.Type}})
{{if .Deprecated}}
{{printf "(DEPRECATED) %s" .Description | indent 8}}
{{else}}
{{indent 8 .Description}}
{{end}}{{end}}{{end}}
## DESCRIPTION

{{.Description}}
`
