package schema

import (
	"errors"
	"reflect"
	"testing"

	"github.com/danmuck/xframe/internal/testutil/testlog"
)

func TestMarshalNestedEntities(t *testing.T) {
	testlog.Start(t)
	in := Map{Fields: map[string]Entity{
		"a": Data{Value: 1.0},
		"b": Callback{Source: "client_1", Ref: "__xf_ref_1"},
		"c": Array{Items: []Entity{
			Data{Value: "x"},
			Ref{Source: "server", Ref: "__xf_ref_2"},
		}},
	}}
	raw, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("entity changed over the wire:\n in=%#v\nout=%#v", in, out)
	}
}

func TestWireFormatUsesTypeTag(t *testing.T) {
	testlog.Start(t)
	raw, err := Marshal(Callback{Source: "server", Ref: "__xf_ref_7"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"callback","source":"server","ref":"__xf_ref_7"}`
	if string(raw) != want {
		t.Fatalf("unexpected wire form: %s", raw)
	}
}

func TestUnmarshalUnknownType(t *testing.T) {
	testlog.Start(t)
	_, err := Unmarshal([]byte(`{"type":"promise","value":1}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestMarshalRejectsNonTransmissibleData(t *testing.T) {
	testlog.Start(t)
	_, err := Marshal(Data{Value: func() {}})
	if err == nil {
		t.Fatalf("expected function inside data to fail")
	}
}

func TestValidateReferences(t *testing.T) {
	testlog.Start(t)
	err := Validate(Array{Items: []Entity{Data{}, Callback{Source: "server"}}})
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Path != "[1]" || ve.Reason != "missing ref" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
	if err := Validate(Ref{Source: "server", Ref: "__xf_ref_1"}); err != nil {
		t.Fatalf("validate ref: %v", err)
	}
}

func TestWireNullDecodesAsEmptyData(t *testing.T) {
	testlog.Start(t)
	out := UnwrapAll([]Wire{{}, {Entity: Data{Value: "y"}}})
	if _, ok := out[0].(Data); !ok {
		t.Fatalf("expected Data for null wire, got %T", out[0])
	}
	if out[1].(Data).Value != "y" {
		t.Fatalf("unexpected item: %#v", out[1])
	}
}

func TestDataNumbersDecodeAsFloat64(t *testing.T) {
	testlog.Start(t)
	raw, err := Marshal(Data{Value: int64(1 << 40)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got, ok := out.(Data).Value.(float64); !ok || got != float64(1<<40) {
		t.Fatalf("expected float64 %v, got %#v", float64(1<<40), out)
	}
}
