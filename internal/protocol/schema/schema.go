package schema

import (
	"errors"
	"fmt"
)

// Kind is the wire discriminant of an Entity.
type Kind string

const (
	KindData     Kind = "data"
	KindCallback Kind = "callback"
	KindRef      Kind = "ref"
	KindArray    Kind = "array"
	KindMap      Kind = "map"
)

var ErrUnknownType = errors.New("schema: unknown schema type")

// Entity is the wire representation of any value crossing a context boundary.
// The set of implementations is closed: Data, Callback, Ref, Array and Map.
type Entity interface {
	Kind() Kind
	isEntity()
}

// Data holds a directly transmissible value. Decoded numbers are float64, so
// integers beyond 2^53 lose precision; send them as strings.
type Data struct {
	Value any
}

// Callback names a function owned by the environment Source.
type Callback struct {
	Source string
	Ref    string
}

// Ref names an opaque object owned by the environment Source.
type Ref struct {
	Source string
	Ref    string
}

// Array is a structural container whose items are entities.
type Array struct {
	Items []Entity
}

// Map is a structural container whose fields are entities.
type Map struct {
	Fields map[string]Entity
}

func (Data) Kind() Kind     { return KindData }
func (Callback) Kind() Kind { return KindCallback }
func (Ref) Kind() Kind      { return KindRef }
func (Array) Kind() Kind    { return KindArray }
func (Map) Kind() Kind      { return KindMap }

func (Data) isEntity()     {}
func (Callback) isEntity() {}
func (Ref) isEntity()      {}
func (Array) isEntity()    {}
func (Map) isEntity()      {}

// ValidationError reports a structurally invalid entity at Path.
type ValidationError struct {
	Kind   Kind
	Path   string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("schema: kind=%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("schema: kind=%s path=%s: %s", e.Kind, e.Path, e.Reason)
}

// Validate checks that references carry both source and id and that
// containers hold only valid entities.
func Validate(e Entity) error {
	return validate(e, "")
}

func validate(e Entity, path string) error {
	switch v := e.(type) {
	case nil:
		return ValidationError{Path: path, Reason: "nil entity"}
	case Data:
		return nil
	case Callback:
		return validateReference(KindCallback, v.Source, v.Ref, path)
	case Ref:
		return validateReference(KindRef, v.Source, v.Ref, path)
	case Array:
		for i, item := range v.Items {
			if err := validate(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	case Map:
		for key, field := range v.Fields {
			if err := validate(field, path+"."+key); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnknownType, e)
	}
}

func validateReference(kind Kind, source, ref, path string) error {
	if source == "" {
		return ValidationError{Kind: kind, Path: path, Reason: "missing source"}
	}
	if ref == "" {
		return ValidationError{Kind: kind, Path: path, Reason: "missing ref"}
	}
	return nil
}

// IsReference reports whether e names a value living in another environment.
func IsReference(e Entity) bool {
	switch e.(type) {
	case Callback, Ref:
		return true
	}
	return false
}
