package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

// parseCUE compiles a single CUE file and checks it against #NodeSet.
func (p *Parser) parseCUE(file string, data []byte) (Document, []ValidationError) {
	val := p.ctx.CompileBytes(data, cue.Filename(file))
	if err := val.Err(); err != nil {
		return Document{}, convertCUEErrors(err)
	}
	return p.decodeCUE(file, val)
}

// loadCUEDirectory loads a directory as a CUE package.
func (p *Parser) loadCUEDirectory(dir string) (Document, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return Document{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: SeverityError,
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return Document{}, nil, convertCUEErrors(inst.Err)
	}

	val := p.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return Document{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	doc, errs := p.decodeCUE(dir, val)
	return doc, files, errs
}

// decodeCUE unifies val with the node-set schema, then decodes and validates it.
func (p *Parser) decodeCUE(file string, val cue.Value) (Document, []ValidationError) {
	schema, _ := p.schemaRegistry.GetSchema(SchemaNodeSet)
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Document{}, convertCUEErrors(err)
	}

	var doc Document
	if err := unified.Decode(&doc); err != nil {
		return Document{}, []ValidationError{{
			File:     file,
			Message:  fmt.Sprintf("failed to decode node set: %v", err),
			Severity: SeverityError,
		}}
	}

	locate := func(path string) (int, int) {
		pos := val.LookupPath(cue.ParsePath(path)).Pos()
		if !pos.IsValid() {
			return 0, 0
		}
		return pos.Line(), pos.Column()
	}
	return doc, p.validateDocument(file, doc, locate)
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:     joinPath(e.Path()),
			Severity: SeverityError,
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		format, args := e.Msg()
		ve.Message = fmt.Sprintf(format, args...)
		validationErrors = append(validationErrors, ve)
	}

	return validationErrors
}
