package parser

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "morning",
			input: "15-01-2024 08:30:00",
			want:  "2024-01-15T08:30:00+0000",
		},
		{
			name:  "end of year",
			input: "31-12-2023 23:59:59",
			want:  "2023-12-31T23:59:59+0000",
		},
		{
			name:  "surrounding whitespace",
			input: " 01-06-2024 00:00:00 ",
			want:  "2024-06-01T00:00:00+0000",
		},
		{
			name:    "iso input",
			input:   "2024-01-15T08:30:00",
			wantErr: true,
		},
		{
			name:    "month out of range",
			input:   "15-13-2024 08:30:00",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	n := NewNormalizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Normalize(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrTimeParse) {
					t.Errorf("Normalize() error = %v, want ErrTimeParse", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Normalize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestZoneNormalizer(t *testing.T) {
	n, err := NewZoneNormalizer("America/Edmonton")
	if err != nil {
		t.Skipf("timezone database unavailable: %v", err)
	}

	// Edmonton is UTC-7 in January
	got, err := n.Normalize("15-01-2024 08:30:00")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got != "2024-01-15T15:30:00+0000" {
		t.Errorf("Normalize() = %q", got)
	}
}

func TestZoneNormalizerUnknownZone(t *testing.T) {
	if _, err := NewZoneNormalizer("Mars/Olympus_Mons"); err == nil {
		t.Error("expected error for unknown zone")
	}
}
