package prop

import (
	"slices"
	"testing"

	"github.com/go-drift/propbridge/pkg/errors"
)

func TestValueSubscriptionDeliversInOrder(t *testing.T) {
	e := newFakeEngine()
	r := NewRegistry(e, nopMailbox{})

	var got []string
	s := SubscribeValue(r, nil, "volume", StringFunc(func(v string) { got = append(got, v) }))
	defer s.Stop()

	r.Dispatch(SetRecord(s.ID(), StringValue("50")))
	r.Dispatch(SetRecord(s.ID(), StringValue("75")))

	if !slices.Equal(got, []string{"50", "75"}) {
		t.Errorf("got %q, want [50 75]", got)
	}
}

func TestValueSubscriptionIgnoresNodeRecords(t *testing.T) {
	errs := captureErrors(t)
	e := newFakeEngine()
	r := NewRegistry(e, nopMailbox{})

	calls := 0
	s := SubscribeValue(r, nil, "volume", func(Value) { calls++ })
	defer s.Stop()

	r.Dispatch(AddRecord(s.ID(), End, 1))

	if calls != 0 {
		t.Error("node record must not reach a value callback")
	}
	if countKind(*errs, errors.KindDecode) != 1 {
		t.Errorf("expected one decode report, got %v", *errs)
	}
}

func TestValueCoercion(t *testing.T) {
	tests := []struct {
		name  string
		v     Value
		str   string
		i     int64
		f     float64
		b     bool
		isNil bool
	}{
		{name: "void", v: Value{}, str: "", i: 0, f: 0, b: false, isNil: true},
		{name: "string number", v: StringValue("75"), str: "75", i: 75, f: 75, b: true},
		{name: "string float", v: StringValue("2.5"), str: "2.5", i: 2, f: 2.5, b: true},
		{name: "string text", v: StringValue("hello"), str: "hello", i: 0, f: 0, b: true},
		{name: "string false", v: StringValue("false"), str: "false", i: 0, f: 0, b: false},
		{name: "int", v: IntValue(-3), str: "-3", i: -3, f: -3, b: true},
		{name: "float", v: FloatValue(0.25), str: "0.25", i: 0, f: 0.25, b: true},
		{name: "bool", v: BoolValue(true), str: "true", i: 1, f: 1, b: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.String(); got != tt.str {
				t.Errorf("String() = %q, want %q", got, tt.str)
			}
			if got := tt.v.AsInt(); got != tt.i {
				t.Errorf("AsInt() = %d, want %d", got, tt.i)
			}
			if got := tt.v.AsFloat(); got != tt.f {
				t.Errorf("AsFloat() = %v, want %v", got, tt.f)
			}
			if got := tt.v.AsBool(); got != tt.b {
				t.Errorf("AsBool() = %v, want %v", got, tt.b)
			}
			if got := tt.v.IsVoid(); got != tt.isNil {
				t.Errorf("IsVoid() = %v, want %v", got, tt.isNil)
			}
		})
	}
}

func TestTypedSetters(t *testing.T) {
	var (
		i int64
		f float64
		b bool
	)
	IntFunc(func(v int64) { i = v })(StringValue("12"))
	FloatFunc(func(v float64) { f = v })(IntValue(4))
	BoolFunc(func(v bool) { b = v })(IntValue(1))

	if i != 12 || f != 4 || !b {
		t.Errorf("got i=%d f=%v b=%v", i, f, b)
	}
}
