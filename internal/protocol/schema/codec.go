package schema

import (
	"fmt"

	json "github.com/goccy/go-json"
)

type wireEntity struct {
	Type   Kind            `json:"type"`
	Value  json.RawMessage `json:"value,omitempty"`
	Source string          `json:"source,omitempty"`
	Ref    string          `json:"ref,omitempty"`
}

// Marshal encodes e into its wire form.
func Marshal(e Entity) ([]byte, error) {
	w, err := toWire(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// Unmarshal decodes one entity from its wire form.
func Unmarshal(data []byte) (Entity, error) {
	var w wireEntity
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return fromWire(w)
}

func toWire(e Entity) (wireEntity, error) {
	switch v := e.(type) {
	case Data:
		raw, err := json.Marshal(v.Value)
		if err != nil {
			return wireEntity{}, fmt.Errorf("schema: data not transmissible: %w", err)
		}
		return wireEntity{Type: KindData, Value: raw}, nil
	case Callback:
		return wireEntity{Type: KindCallback, Source: v.Source, Ref: v.Ref}, nil
	case Ref:
		return wireEntity{Type: KindRef, Source: v.Source, Ref: v.Ref}, nil
	case Array:
		items := make([]wireEntity, 0, len(v.Items))
		for _, item := range v.Items {
			w, err := toWire(item)
			if err != nil {
				return wireEntity{}, err
			}
			items = append(items, w)
		}
		raw, err := json.Marshal(items)
		if err != nil {
			return wireEntity{}, err
		}
		return wireEntity{Type: KindArray, Value: raw}, nil
	case Map:
		fields := make(map[string]wireEntity, len(v.Fields))
		for key, field := range v.Fields {
			w, err := toWire(field)
			if err != nil {
				return wireEntity{}, err
			}
			fields[key] = w
		}
		raw, err := json.Marshal(fields)
		if err != nil {
			return wireEntity{}, err
		}
		return wireEntity{Type: KindMap, Value: raw}, nil
	default:
		return wireEntity{}, fmt.Errorf("%w: %T", ErrUnknownType, e)
	}
}

func fromWire(w wireEntity) (Entity, error) {
	switch w.Type {
	case KindData:
		var value any
		if len(w.Value) > 0 {
			if err := json.Unmarshal(w.Value, &value); err != nil {
				return nil, err
			}
		}
		return Data{Value: value}, nil
	case KindCallback:
		return Callback{Source: w.Source, Ref: w.Ref}, nil
	case KindRef:
		return Ref{Source: w.Source, Ref: w.Ref}, nil
	case KindArray:
		var items []wireEntity
		if len(w.Value) > 0 {
			if err := json.Unmarshal(w.Value, &items); err != nil {
				return nil, err
			}
		}
		out := Array{Items: make([]Entity, 0, len(items))}
		for _, item := range items {
			e, err := fromWire(item)
			if err != nil {
				return nil, err
			}
			out.Items = append(out.Items, e)
		}
		return out, nil
	case KindMap:
		var fields map[string]wireEntity
		if len(w.Value) > 0 {
			if err := json.Unmarshal(w.Value, &fields); err != nil {
				return nil, err
			}
		}
		out := Map{Fields: make(map[string]Entity, len(fields))}
		for key, field := range fields {
			e, err := fromWire(field)
			if err != nil {
				return nil, err
			}
			out.Fields[key] = e
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
}

// Wire adapts an Entity for use as a JSON struct field or call argument.
type Wire struct {
	Entity Entity
}

func (w Wire) MarshalJSON() ([]byte, error) {
	if w.Entity == nil {
		return []byte("null"), nil
	}
	return Marshal(w.Entity)
}

func (w *Wire) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		w.Entity = nil
		return nil
	}
	e, err := Unmarshal(data)
	if err != nil {
		return err
	}
	w.Entity = e
	return nil
}

// WrapAll converts entities into their JSON-ready form.
func WrapAll(in []Entity) []Wire {
	out := make([]Wire, len(in))
	for i, e := range in {
		out[i] = Wire{Entity: e}
	}
	return out
}

// UnwrapAll is the inverse of WrapAll. Null items decode as Data{nil}.
func UnwrapAll(in []Wire) []Entity {
	out := make([]Entity, len(in))
	for i, w := range in {
		if w.Entity == nil {
			out[i] = Data{}
			continue
		}
		out[i] = w.Entity
	}
	return out
}
