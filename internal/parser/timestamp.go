package parser

import (
	"fmt"
	"strings"
	"time"
)

const (
	// InputLayout is the controller's zone-naive "DD-MM-YYYY HH:MM:SS" stamp
	InputLayout = "02-01-2006 15:04:05"

	// OutputLayout is the canonical timestamp with a numeric offset
	OutputLayout = "2006-01-02T15:04:05-0700"
)

// Normalizer converts controller timestamps to the canonical form.
//
// With no location the wall-clock time is labelled UTC as-is, which is what
// the deployed agents have always emitted. With a location the wall-clock
// time is interpreted in that zone and converted to UTC.
type Normalizer struct {
	loc *time.Location
}

// NewNormalizer returns a normalizer that labels wall-clock time as UTC
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// NewZoneNormalizer returns a normalizer that converts from the given IANA zone
func NewZoneNormalizer(zone string) (*Normalizer, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", zone, err)
	}
	return &Normalizer{loc: loc}, nil
}

// Normalize parses a raw controller timestamp and formats it canonically
func (n *Normalizer) Normalize(raw string) (string, error) {
	loc := time.UTC
	if n.loc != nil {
		loc = n.loc
	}

	t, err := time.ParseInLocation(InputLayout, strings.TrimSpace(raw), loc)
	if err != nil {
		return "", fmt.Errorf("%w: %q does not match %s", ErrTimeParse, raw, InputLayout)
	}

	return t.UTC().Format(OutputLayout), nil
}
