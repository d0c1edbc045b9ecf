package parser

import (
	"errors"
	"strings"
	"testing"

	"github.com/therealutkarshpriyadarshi/machinetail/internal/state"
	"github.com/therealutkarshpriyadarshi/machinetail/pkg/types"
)

var testIdentity = types.Identity{
	Machine:       "UIP 1 - Calmar [G50-H]",
	LocationPoint: "POINT(-113.8070872 53.2569529)",
	LocationName:  "Calmar",
}

const sampleLine = "15-01-2024 08:30:00;512;20.5;21;30.25;30;40;40;0;1;1.5;1.6;100;101;4242;7;OK"

func TestParse(t *testing.T) {
	p := New(testIdentity, nil)

	record, err := p.Parse(sampleLine, state.Running)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if len(record) != len(types.Schema) {
		t.Errorf("record has %d fields, want %d", len(record), len(types.Schema))
	}

	for _, field := range types.Schema {
		if _, ok := record[field]; !ok {
			t.Errorf("record missing field %q", field)
		}
	}

	values := strings.Split(sampleLine, ";")
	for i := 1; i < 16; i++ {
		field := types.ColumnFields[i]
		if record[field] != values[i] {
			t.Errorf("%s = %q, want %q", field, record[field], values[i])
		}
	}

	want := map[string]string{
		types.FieldTimestamp:    "2024-01-15T08:30:00+0000",
		types.FieldStatus:       "Running",
		types.FieldCounter:      "4242",
		types.FieldMachine:      testIdentity.Machine,
		types.FieldLocation:     testIdentity.LocationPoint,
		types.FieldLocationName: testIdentity.LocationName,
	}
	for field, value := range want {
		if record[field] != value {
			t.Errorf("%s = %q, want %q", field, record[field], value)
		}
	}
}

func TestParseComposedLine(t *testing.T) {
	p := New(testIdentity, nil)

	record, err := p.Parse(Compose(sampleLine+"\r\n", state.Stopped), state.Stopped)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if record[types.FieldStatus] != "Stopped" {
		t.Errorf("Status = %q, want Stopped", record[types.FieldStatus])
	}
	if len(record) != len(types.Schema) {
		t.Errorf("record has %d fields, want %d", len(record), len(types.Schema))
	}
}

func TestParseIdempotent(t *testing.T) {
	p := New(testIdentity, nil)

	first, err := p.Parse(sampleLine, state.Running)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	second, err := p.Parse(sampleLine, state.Running)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if !first.Equal(second) {
		t.Errorf("Parse() not idempotent: %v vs %v", first, second)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr error
	}{
		{
			name:    "ten columns",
			line:    "15-01-2024 08:30:00;1;2;3;4;5;6;7;8;9",
			wantErr: ErrShortRecord,
		},
		{
			name:    "empty line",
			line:    "",
			wantErr: ErrShortRecord,
		},
		{
			name:    "bad timestamp",
			line:    strings.Replace(sampleLine, "15-01-2024", "2024/01/15", 1),
			wantErr: ErrTimeParse,
		},
		{
			name:    "non-numeric temperature",
			line:    strings.Replace(sampleLine, "20.5", "hot", 1),
			wantErr: ErrParse,
		},
		{
			name:    "fractional minute id",
			line:    strings.Replace(sampleLine, ";512;", ";5.5;", 1),
			wantErr: ErrParse,
		},
	}

	p := New(testIdentity, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, err := p.Parse(tt.line, state.Running)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Parse() error = %v, want %v", err, tt.wantErr)
			}
			if record != nil {
				t.Errorf("Parse() returned partial record %v", record)
			}
		})
	}
}

func TestFieldError(t *testing.T) {
	p := New(testIdentity, nil)

	_, err := p.Parse(strings.Replace(sampleLine, ";4242;", ";many;", 1), state.Running)

	var fieldErr *FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("expected FieldError, got %v", err)
	}
	if fieldErr.Field != types.FieldCounter {
		t.Errorf("Field = %q, want %q", fieldErr.Field, types.FieldCounter)
	}
}

func TestCompose(t *testing.T) {
	got := Compose("a;b;c\n", state.Running)
	if got != "a;b;c;Running" {
		t.Errorf("Compose() = %q", got)
	}
}
