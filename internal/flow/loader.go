package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mirelabs/fable/pkg/schema"
)

// flowSchemaJSON is the JSON Schema for FlowDocument validation.
// Embedded as a constant to avoid filesystem dependencies.
const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://fable.dev/schemas/flow.json",
  "type": "object",
  "required": ["id", "version", "entry", "nodes"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "version": { "type": "integer", "minimum": 1 },
    "entry": { "type": "string", "minLength": 1 },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "params": { "type": "object" },
        "children": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "if": { "$ref": "#/$defs/if" },
        "subflow": { "$ref": "#/$defs/subflow" }
      },
      "additionalProperties": false
    },
    "if": {
      "type": "object",
      "required": ["condition"],
      "properties": {
        "condition": { "type": "string", "minLength": 1 },
        "then": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "else": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        }
      },
      "additionalProperties": false
    },
    "subflow": {
      "type": "object",
      "required": ["ref"],
      "properties": {
        "ref": { "type": "string", "pattern": "^.+@[0-9]+$" },
        "input_map": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "output_map": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "share_state": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// Loader holds validated flow documents addressed by "id@version" and the
// per-document node index computed at registration time.
type Loader struct {
	flowSchema *jsonschema.Schema
	logger     *slog.Logger

	mu       sync.RWMutex
	docs     map[string]*schema.FlowDocument
	nodeMaps map[string]map[string]*schema.NodeSpec
}

// NewLoader creates a Loader with the flow schema pre-compiled.
func NewLoader(logger *slog.Logger) (*Loader, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(flowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal flow schema: %w", err)
	}
	if err := c.AddResource("https://fable.dev/schemas/flow.json", doc); err != nil {
		return nil, fmt.Errorf("add flow schema resource: %w", err)
	}
	compiled, err := c.Compile("https://fable.dev/schemas/flow.json")
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		flowSchema: compiled,
		logger:     logger,
		docs:       make(map[string]*schema.FlowDocument),
		nodeMaps:   make(map[string]map[string]*schema.NodeSpec),
	}, nil
}

// Register validates and stores a document. Re-registering an existing ref
// replaces the previous version of that document.
func (l *Loader) Register(doc *schema.FlowDocument) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "flow document is nil")
	}
	if err := l.validate(doc); err != nil {
		return err
	}
	nodeMap, err := buildNodeMap(doc)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.docs[doc.Ref()] = doc
	l.nodeMaps[doc.Ref()] = nodeMap
	return nil
}

// Get returns the document registered under ref, or NOT_FOUND.
func (l *Loader) Get(ref string) (*schema.FlowDocument, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	doc, ok := l.docs[ref]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "flow %q not registered", ref)
	}
	return doc, nil
}

// NodeMap returns the id-to-spec index for a registered document.
func (l *Loader) NodeMap(ref string) (map[string]*schema.NodeSpec, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	nm, ok := l.nodeMaps[ref]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "flow %q not registered", ref)
	}
	return nm, nil
}

// ListRefs returns the refs of all registered documents, in no defined order.
func (l *Loader) ListRefs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	refs := make([]string, 0, len(l.docs))
	for ref := range l.docs {
		refs = append(refs, ref)
	}
	return refs
}

// LoadDirs walks each directory for *.json files and registers every valid
// flow document found. Invalid files are logged and skipped so that one bad
// document does not prevent the rest of the catalog from loading. Returns
// the number of documents registered.
func (l *Loader) LoadDirs(ctx context.Context, dirs []string) (int, error) {
	loaded := 0
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			l.logger.WarnContext(ctx, "skipping missing flow dir", slog.String("dir", dir))
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
				return nil
			}
			doc, err := l.loadFile(path)
			if err == nil {
				err = l.Register(doc)
			}
			if err != nil {
				l.logger.WarnContext(ctx, "skipping flow document",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
				return nil
			}
			loaded++
			l.logger.DebugContext(ctx, "registered flow document",
				slog.String("ref", doc.Ref()),
				slog.String("path", path),
			)
			return nil
		})
		if err != nil {
			return loaded, schema.NewErrorf(schema.ErrCodeStore, "walking flow dir %q", dir).WithCause(err)
		}
	}
	return loaded, nil
}

// loadFile validates the raw file content against the schema before decoding
// into the struct. Decoding first would silently drop unknown keys and defeat
// the schema's additionalProperties checks, letting a typo'd structural key
// (say "childs") load as an empty Sequence.
func (l *Loader) loadFile(path string) (*schema.FlowDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "reading %q", path).WithCause(err)
	}
	jv, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid flow JSON").WithCause(err)
	}
	if err := l.flowSchema.Validate(jv); err != nil {
		return nil, toFableError(err)
	}
	var doc schema.FlowDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid flow JSON").WithCause(err)
	}
	return &doc, nil
}

// validate checks the document against the embedded JSON Schema.
func (l *Loader) validate(doc *schema.FlowDocument) error {
	jv, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize flow document").WithCause(err)
	}
	if err := l.flowSchema.Validate(jv); err != nil {
		return toFableError(err)
	}
	return nil
}

// buildNodeMap indexes nodes by ID and enforces the structural invariants
// JSON Schema cannot express: unique node IDs and a resolvable entry node.
func buildNodeMap(doc *schema.FlowDocument) (map[string]*schema.NodeSpec, error) {
	nm := make(map[string]*schema.NodeSpec, len(doc.Nodes))
	for i := range doc.Nodes {
		node := &doc.Nodes[i]
		if _, exists := nm[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate node id %q in flow %s", node.ID, doc.Ref())
		}
		nm[node.ID] = node
	}
	if _, ok := nm[doc.Entry]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"entry node %q not defined in flow %s", doc.Entry, doc.Ref())
	}
	return nm, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFableError converts a jsonschema.ValidationError into a FableError with
// per-violation locations.
func toFableError(err error) *schema.FableError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
