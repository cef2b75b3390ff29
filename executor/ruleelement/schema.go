package ruleelement

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"visioner-rules/executor/operations"
)

//go:embed schema.cue
var schemaSource string

// Schema validates authored content against the embedded CUE definitions.
// A cue.Context is not safe for concurrent use, so every call is serialized.
type Schema struct {
	mu        sync.Mutex
	ctx       *cue.Context
	element   cue.Value
	operation cue.Value
	pack      cue.Value
}

// NewSchema compiles the embedded schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if v.Err() != nil {
		return nil, fmt.Errorf("compile schema: %w", v.Err())
	}
	return &Schema{
		ctx:       ctx,
		element:   v.LookupPath(cue.ParsePath("#RuleElement")),
		operation: v.LookupPath(cue.ParsePath("#Operation")),
		pack:      v.LookupPath(cue.ParsePath("#Pack")),
	}, nil
}

// Decode validates raw (JSON or CUE) as a single rule element and decodes it.
// Only the element itself can fail: an operation that does not match its
// kind's schema is returned with Problem set.
func (s *Schema) Decode(raw []byte) (*RuleElement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.ctx.CompileBytes(raw, cue.Filename("rule-element"))
	if v.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleElement, v.Err())
	}
	return s.decodeValue(v)
}

// File is one pack source file.
type File struct {
	Name string
	Data []byte
}

// Rejected maps the names of pack effects that failed validation to why.
type Rejected map[string]error

// DecodePack compiles and unifies pack files and decodes every effect by
// name. Effects that fail validation are left out and reported in Rejected;
// the error is only for files that do not compile or unify.
func (s *Schema) DecodePack(files []File) (map[string]*RuleElement, Rejected, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unified cue.Value
	for _, f := range files {
		v := s.ctx.CompileBytes(f.Data, cue.Filename(f.Name))
		if v.Err() != nil {
			return nil, nil, fmt.Errorf("compile %s: %w", f.Name, v.Err())
		}
		if !unified.Exists() {
			unified = v
		} else {
			unified = unified.Unify(v)
		}
	}
	if !unified.Exists() {
		return nil, nil, fmt.Errorf("no pack files loaded")
	}

	u := s.pack.Unify(unified)
	if err := u.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRuleElement, err)
	}
	iter, err := u.LookupPath(cue.ParsePath("effects")).Fields()
	if err != nil {
		return nil, nil, fmt.Errorf("iterate effects: %w", err)
	}
	out := make(map[string]*RuleElement)
	rejected := make(Rejected)
	for iter.Next() {
		name := iter.Selector().Unquoted()
		re, err := s.decodeValue(iter.Value())
		if err != nil {
			rejected[name] = err
			continue
		}
		out[name] = re
	}
	return out, rejected, nil
}

func (s *Schema) decodeValue(v cue.Value) (*RuleElement, error) {
	u := s.element.Unify(v)
	if err := u.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleElement, err)
	}
	data, err := u.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleElement, err)
	}
	var env struct {
		RuleElement
		Operations []json.RawMessage `json:"operations"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleElement, err)
	}
	if err := env.Predicate.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleElement, err)
	}

	re := env.RuleElement
	re.Operations = make([]operations.Operation, 0, len(env.Operations))
	list, err := u.LookupPath(cue.ParsePath("operations")).List()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleElement, err)
	}
	for list.Next() {
		re.Operations = append(re.Operations, s.decodeOperation(list.Value()))
	}
	return &re, nil
}

// decodeOperation checks one operation against its kind's schema. A failure
// keeps the operation's type and records the reason in Problem.
func (s *Schema) decodeOperation(v cue.Value) operations.Operation {
	kind, _ := v.LookupPath(cue.ParsePath("type")).String()
	checked := s.operation.Unify(v)
	err := checked.Validate(cue.Concrete(true))
	var op operations.Operation
	if err == nil {
		var data []byte
		if data, err = checked.MarshalJSON(); err == nil {
			err = json.Unmarshal(data, &op)
		}
	}
	if err != nil {
		return operations.Operation{Type: operations.Kind(kind), Problem: err.Error()}
	}
	return op
}
