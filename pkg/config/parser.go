package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"github.com/go-playground/validator/v10"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/telemetry"
)

// Format is the encoding of a node-set source.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatOf returns the format implied by a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported node set format: %s", path)
	}
}

// Parser loads node-set documents from YAML, JSON and CUE sources and
// validates them against the node-set schema and struct tags.
type Parser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
	logger         *telemetry.Logger
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithLogger sets the logger used for load diagnostics.
func WithLogger(logger *telemetry.Logger) ParserOption {
	return func(p *Parser) {
		if logger != nil {
			p.logger = logger.NewComponentLogger("config")
		}
	}
}

// NewParser creates a new parser.
func NewParser(opts ...ParserOption) *Parser {
	sr := NewSchemaRegistry()
	p := &Parser{
		ctx:            sr.Context(),
		schemaRegistry: sr,
		validator:      newValidator(),
		logger:         telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// newValidator returns a validator that reports document field names and
// understands Go duration strings.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d >= 0
	})
	return v
}

// Evaluate parses the sources and returns the node set. Any error-severity
// problem is returned as a *LoadError.
func (p *Parser) Evaluate(ctx context.Context, sources []string) ([]engine.Node, error) {
	parsed, err := p.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	return parsed.Nodes()
}

// Nodes converts the parsed document into engine nodes.
func (pc *ParsedConfig) Nodes() ([]engine.Node, error) {
	if pc.HasErrors() {
		return nil, &LoadError{Errors: pc.Errors}
	}
	return pc.Document.ToNodes()
}

// Parse loads every source, which may be a file or a directory. Problems in
// the documents are collected in ParsedConfig.Errors; the returned error is
// reserved for sources that cannot be read at all.
func (p *Parser) Parse(ctx context.Context, sources []string) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	parsed := &ParsedConfig{ParsedAt: time.Now()}
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", source, err)
		}

		var files []string
		if info.IsDir() {
			files, err = p.listDirectory(source)
			if err != nil {
				return nil, err
			}
			if cueFiles := filterFormat(files, FormatCUE); len(cueFiles) > 0 {
				doc, srcFiles, errs := p.loadCUEDirectory(source)
				parsed.merge(doc, srcFiles, errs)
				files = slices.DeleteFunc(files, func(f string) bool {
					return strings.HasSuffix(f, ".cue")
				})
			}
		} else {
			files = []string{source}
		}

		for _, file := range files {
			doc, errs, err := p.loadFile(file)
			if err != nil {
				return nil, err
			}
			parsed.merge(doc, []string{file}, errs)
		}
	}

	p.logger.Debugf("parsed node set: %d source(s), %d node(s), %d problem(s)",
		len(parsed.SourceFiles), len(parsed.Document.Nodes), len(parsed.Errors))

	return parsed, nil
}

// ParseInline parses node-set content that does not come from a file.
func (p *Parser) ParseInline(ctx context.Context, content string, format Format) (*ParsedConfig, error) {
	parsed := &ParsedConfig{ParsedAt: time.Now()}
	doc, errs, err := p.parseContent("inline", []byte(content), format)
	if err != nil {
		return nil, err
	}
	parsed.merge(doc, []string{"inline"}, errs)
	return parsed, nil
}

// GetSchemaRegistry returns the schema registry.
func (p *Parser) GetSchemaRegistry() *SchemaRegistry {
	return p.schemaRegistry
}

func (p *Parser) loadFile(path string) (Document, []ValidationError, error) {
	format, err := FormatOf(path)
	if err != nil {
		return Document{}, nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, nil, fmt.Errorf("failed to read file: %w", err)
	}
	return p.parseContent(path, data, format)
}

func (p *Parser) parseContent(name string, data []byte, format Format) (Document, []ValidationError, error) {
	switch format {
	case FormatYAML:
		doc, errs := p.parseYAML(name, data)
		return doc, errs, nil
	case FormatJSON:
		doc, errs := p.parseJSON(name, data)
		return doc, errs, nil
	case FormatCUE:
		doc, errs := p.parseCUE(name, data)
		return doc, errs, nil
	default:
		return Document{}, nil, fmt.Errorf("unsupported node set format: %s", format)
	}
}

// listDirectory returns the node-set files directly inside dir, sorted.
func (p *Parser) listDirectory(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, err := FormatOf(entry.Name()); err == nil {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}

func filterFormat(files []string, format Format) []string {
	var out []string
	for _, f := range files {
		if ff, err := FormatOf(f); err == nil && ff == format {
			out = append(out, f)
		}
	}
	return out
}

func (pc *ParsedConfig) merge(doc Document, files []string, errs []ValidationError) {
	pc.Document.Nodes = append(pc.Document.Nodes, doc.Nodes...)
	pc.SourceFiles = append(pc.SourceFiles, files...)
	pc.Errors = append(pc.Errors, errs...)
}

// validateDocument runs the struct-tag rules and the node-set schema. locate
// maps a document path to a source position and may be nil.
func (p *Parser) validateDocument(file string, doc Document, locate func(path string) (int, int)) []ValidationError {
	var out []ValidationError
	add := func(path, msg, severity string) {
		ve := ValidationError{File: file, Path: path, Message: msg, Severity: severity}
		if locate != nil && path != "" {
			ve.Line, ve.Column = locate(path)
		}
		out = append(out, ve)
	}

	if err := p.validator.Struct(doc); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			add("", err.Error(), SeverityError)
			return out
		}
		for _, fe := range fieldErrs {
			add(fieldPath(fe.Namespace()), describeFieldError(fe), SeverityError)
		}
		return out
	}

	for _, ve := range p.schemaRegistry.Check(SchemaNodeSet, doc) {
		add(ve.Path, ve.Message, ve.Severity)
	}

	for i, n := range doc.Nodes {
		if len(n.Tasks) == 0 {
			add(fmt.Sprintf("nodes[%d].tasks", i), fmt.Sprintf("node %q has no tasks", n.ID), SeverityWarning)
		}
	}
	return out
}

// fieldPath strips the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return fmt.Sprintf("is required when %s", strings.ToLower(strings.Replace(fe.Param(), " ", " is ", 1)))
	case "required_without":
		return fmt.Sprintf("is required when %s is not set", strings.ToLower(fe.Param()))
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fe.Value())
	case "duration":
		return fmt.Sprintf("must be a duration such as 30s or 5m, got %q", fe.Value())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
