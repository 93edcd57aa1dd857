// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Copied from github.com/openbao/openbao/sdk/v2/framework and customized for walletd

package framework

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	sdklogical "github.com/openbao/openbao/sdk/v2/logical"

	"github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/logical"
)

// Compiled route patterns are shared across all backends, since mounts
// of the same type repeat the same patterns.
var regexSingletonCache sync.Map

// Backend implements logical.Backend on top of a declarative route
// table. Mount backends fill in Paths and let the framework handle
// routing, field decoding and help rendering.
type Backend struct {
	// Help is the help text shown when a help request is made on the root.
	Help string

	// Paths are the various routes that the backend responds to.
	Paths []*Path

	// PathsSpecial is the list of path patterns that require special privileges.
	PathsSpecial *logical.Paths

	// InitializeFunc is the callback for backend initialization after the
	// mount is routed and storage becomes writable.
	InitializeFunc InitializeFunc

	// Clean is called on unload to clean up connections or file handles.
	Clean CleanupFunc

	// BackendType is a string identifier for the backend type (e.g., "wallet", "system")
	BackendType string

	// config stores the backend configuration
	config  map[string]string
	once    sync.Once
	pathsRe []*regexp.Regexp
	logger  logger.Logger
}

var _ logical.Backend = (*Backend)(nil)

// OperationFunc is the callback called for an operation on a path.
type OperationFunc func(context.Context, *logical.Request, *FieldData) (*logical.Response, error)

// InitializeFunc is the callback for backend initialization.
type InitializeFunc func(context.Context) error

// CleanupFunc is the callback for backend unload.
type CleanupFunc func(context.Context)

// HandleRequest is the logical.Backend implementation.
func (b *Backend) HandleRequest(ctx context.Context, req *logical.Request) (*logical.Response, error) {
	b.once.Do(b.init)

	// Help on the mount root renders the route table.
	if req.Path == "" && req.Operation == logical.HelpOperation {
		return b.handleRootHelp(req)
	}

	path, captures := b.route(req.Path)
	if path == nil {
		return nil, sdklogical.ErrUnsupportedPath
	}

	raw, ignored, replaced := mergeRequestData(path, req.Data, captures)

	callback := b.lookupCallback(path, req.Operation)
	if callback == nil {
		return nil, sdklogical.ErrUnsupportedOperation
	}

	fd := FieldData{
		Raw:    raw,
		Schema: path.Fields,
	}
	if req.Operation != logical.HelpOperation {
		if err := fd.Validate(); err != nil {
			return logical.ErrorResponse(logical.ErrBadRequestf("field validation failed: %s", err.Error())), nil
		}
	}

	resp, err := callback(ctx, req, &fd)
	if err != nil {
		return resp, err
	}

	if resp != nil {
		sort.Strings(ignored)
		if len(ignored) != 0 {
			resp.AddWarning(fmt.Sprintf("Endpoint ignored these unrecognized parameters: %v", ignored))
		}
		if len(replaced) != 0 {
			resp.AddWarning(fmt.Sprintf("Endpoint replaced the value of these parameters with the values captured from the endpoint's path: %v", replaced))
		}
	}

	return resp, nil
}

// mergeRequestData combines body data with path captures. It reports
// body keys the schema does not know (ignored) and body keys a path
// capture overrode (replaced), both for response warnings.
func mergeRequestData(path *Path, data map[string]interface{}, captures map[string]string) (raw map[string]interface{}, ignored, replaced []string) {
	raw = make(map[string]interface{}, len(path.Fields))
	for k, v := range data {
		raw[k] = v
		if !path.TakesArbitraryInput && path.Fields[k] == nil {
			ignored = append(ignored, k)
		}
	}
	for k, v := range captures {
		if raw[k] != nil {
			replaced = append(replaced, k)
		}
		raw[k] = v
	}
	return raw, ignored, replaced
}

// lookupCallback resolves the handler for op on path. Help requests
// without an explicit handler fall back to the generated help callback.
func (b *Backend) lookupCallback(path *Path, op logical.Operation) OperationFunc {
	if handler, ok := path.Operations[op]; ok {
		if fn := handler.Handler(); fn != nil {
			return fn
		}
	}
	if op == logical.HelpOperation {
		return path.helpCallback(b)
	}
	return nil
}

// SpecialPaths is the logical.Backend implementation.
func (b *Backend) SpecialPaths() *logical.Paths {
	return b.PathsSpecial
}

// Initialize is the logical.Backend implementation.
func (b *Backend) Initialize(ctx context.Context) error {
	if b.InitializeFunc != nil {
		return b.InitializeFunc(ctx)
	}
	return nil
}

// Cleanup is used to release resources and prepare to stop the backend
func (b *Backend) Cleanup(ctx context.Context) {
	if b.Clean != nil {
		b.Clean(ctx)
	}
}

// Setup is used to initialize the backend with the initial backend configuration
func (b *Backend) Setup(ctx context.Context, config *logical.BackendConfig) error {
	b.config = config.Config
	if config.Logger != nil {
		b.logger = config.Logger
	}
	return nil
}

// Config returns the backend configuration
func (b *Backend) Config() map[string]string {
	return b.config
}

// Type returns the backend type string
func (b *Backend) Type() string {
	return b.BackendType
}

// Logger returns the backend logger set during Setup.
func (b *Backend) Logger() logger.Logger {
	return b.logger
}

// Route looks up the path that would be used for a given path string.
func (b *Backend) Route(path string) *Path {
	result, _ := b.route(path)
	return result
}

func (b *Backend) init() {
	b.pathsRe = make([]*regexp.Regexp, len(b.Paths))
	for i, p := range b.Paths {
		if len(p.Pattern) == 0 {
			panic("Routing pattern cannot be blank")
		}
		p.Pattern = anchorPattern(p.Pattern)
		regexRaw, ok := regexSingletonCache.Load(p.Pattern)
		if !ok {
			regexRaw = regexp.MustCompile(p.Pattern)
			regexSingletonCache.Store(p.Pattern, regexRaw)
		}
		b.pathsRe[i] = regexRaw.(*regexp.Regexp)
	}
}

// anchorPattern pins pattern to the full path so partial matches
// cannot route.
func anchorPattern(pattern string) string {
	if pattern[0] != '^' {
		pattern = "^" + pattern
	}
	if pattern[len(pattern)-1] != '$' {
		pattern = pattern + "$"
	}
	return pattern
}

func (b *Backend) route(path string) (*Path, map[string]string) {
	b.once.Do(b.init)

	for i, re := range b.pathsRe {
		matches := re.FindStringSubmatch(path)
		if matches == nil {
			continue
		}

		var captures map[string]string
		if names := re.SubexpNames(); len(names) > 1 {
			captures = make(map[string]string, len(names))
			for j, name := range names {
				if name != "" {
					captures[name] = matches[j]
				}
			}
		}
		return b.Paths[i], captures
	}

	return nil, nil
}

func (b *Backend) handleRootHelp(req *logical.Request) (*logical.Response, error) {
	pathData := make([]rootHelpTemplatePath, 0, len(b.Paths))
	for i, re := range b.pathsRe {
		pathData = append(pathData, rootHelpTemplatePath{
			Path: re.String(),
			Help: strings.TrimSpace(b.Paths[i].HelpSynopsis),
		})
	}
	sort.Slice(pathData, func(i, j int) bool {
		return pathData[i].Path < pathData[j].Path
	})

	help, err := executeTemplate(rootHelpTemplate, &rootHelpTemplateData{
		Help:  strings.TrimSpace(b.Help),
		Paths: pathData,
	})
	if err != nil {
		return nil, err
	}

	return &logical.Response{
		Data: map[string]interface{}{
			"help": help,
		},
	}, nil
}

type rootHelpTemplateData struct {
	Help  string
	Paths []rootHelpTemplatePath
}

type rootHelpTemplatePath struct {
	Path string
	Help string
}

const rootHelpTemplate = `
## DESCRIPTION

{{.Help}}

## PATHS

The following paths are supported by this backend. To view help for
any of the paths below, use the help command with any route matching
the path pattern.

{{range .Paths}}{{indent 4 .Path}}
{{indent 8 .Help}}

{{end}}
`
