package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// Names of the built-in schemas.
const (
	SchemaNodeSet = "nodeset"
	SchemaNode    = "node"
	SchemaTask    = "task"
)

// SchemaRegistry manages CUE schemas for validation. All schemas share one
// cue.Context so they can be unified with documents compiled by the Parser.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	for name, def := range map[string]string{
		SchemaNodeSet: "#NodeSet",
		SchemaNode:    "#Node",
		SchemaTask:    "#Task",
	} {
		if err := sr.RegisterSchema(name, builtinNodeSetSchema, def); err != nil {
			panic(err)
		}
	}

	return sr
}

// Context returns the cue.Context schemas are compiled in.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles source and registers its definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// Check is ValidateAgainstSchema with the failures split per document path.
func (sr *SchemaRegistry) Check(schemaName string, data interface{}) []ValidationError {
	err := sr.ValidateAgainstSchema(context.Background(), schemaName, data)
	if err == nil {
		return nil
	}

	var out []ValidationError
	for _, e := range errors.Errors(err) {
		format, args := e.Msg()
		out = append(out, ValidationError{
			Path:     joinPath(e.Path()),
			Message:  fmt.Sprintf(format, args...),
			Severity: SeverityError,
		})
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error(), Severity: SeverityError})
	}
	return out
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in schema definitions

// Ids may not contain '/' because task ids are qualified as node/task.
const builtinNodeSetSchema = `
#ID: =~"^[A-Za-z0-9][A-Za-z0-9_.-]*$"

#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Validation: {
	kind?:           string
	name?:           string
	selector?:       string
	condition?:      string
	command?:        [...string]
	expectedOutput?: string
	timeout?:        #Duration
	interval?:       #Duration
}

#Retry: {
	maxAttempts: int & >=1 & <=100
	delay?:      #Duration
	backoff?:    "linear" | "exponential"
	onFailure?:  "fail" | "warn" | "ignore"
}

#Rollback: {
	enabled:  bool
	trigger?: "always" | "manual" | "never"
	actions?: [...#Task]
}

#Task: {
	id:   #ID
	type: "manifest" | "inline" | "command"

	paths?:     [...string]
	content?:   string
	namespace?: string

	command?:           [...string]
	cwd?:               string
	env?:               {[string]: string}
	envFiles?:          [...string]
	tolerateExitCodes?: [...(int & >=1 & <=255)]

	validation?: #Validation
	retry?:      #Retry
	rollback?:   #Rollback

	dependsOn?:   [...#ID]
	timeout?:     #Duration
	description?: string
}

#Node: {
	id:           #ID
	dependsOn?:   [...#ID]
	enabled?:     bool
	onFailure?:   "stop" | "continue" | "rollback"
	namespace?:   string
	description?: string
	labels?:      {[string]: string}
	tasks?:       [...#Task]
}

#NodeSet: {
	nodes: [...#Node]
}
`
