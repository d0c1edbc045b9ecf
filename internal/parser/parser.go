package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/therealutkarshpriyadarshi/machinetail/internal/state"
	"github.com/therealutkarshpriyadarshi/machinetail/pkg/types"
)

var (
	ErrShortRecord = errors.New("short record")
	ErrParse       = errors.New("field parse error")
	ErrTimeParse   = errors.New("timestamp parse error")
)

// FieldError reports a column whose value is not of the expected kind
type FieldError struct {
	Field string
	Value string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%v: %s=%q", ErrParse, e.Field, e.Value)
}

func (e *FieldError) Unwrap() error {
	return ErrParse
}

type columnKind int

const (
	kindText columnKind = iota
	kindInt
	kindFloat
)

// columnKinds holds the expected value kind of columns 1..16
var columnKinds = [types.MinColumns]columnKind{
	1:  kindInt,
	2:  kindFloat,
	3:  kindFloat,
	4:  kindFloat,
	5:  kindFloat,
	6:  kindFloat,
	7:  kindFloat,
	8:  kindFloat,
	9:  kindFloat,
	10: kindFloat,
	11: kindFloat,
	12: kindFloat,
	13: kindFloat,
	14: kindInt,
	15: kindFloat,
	16: kindText,
}

// Parser turns a raw controller line into a normalized record
type Parser struct {
	identity   types.Identity
	normalizer *Normalizer
}

// New creates a record parser bound to a machine identity
func New(identity types.Identity, normalizer *Normalizer) *Parser {
	if normalizer == nil {
		normalizer = NewNormalizer()
	}
	return &Parser{
		identity:   identity,
		normalizer: normalizer,
	}
}

// Name returns the parser name
func (p *Parser) Name() string {
	return "controller"
}

// Parse splits a ;-separated line and maps it onto the record schema.
// The status column is always replaced by the supplied status. On any
// error the returned record is nil.
func (p *Parser) Parse(line string, status state.Label) (types.Record, error) {
	values := strings.Split(line, ";")
	if len(values) < types.MinColumns {
		return nil, fmt.Errorf("%w: got %d columns, need %d", ErrShortRecord, len(values), types.MinColumns)
	}

	ts, err := p.normalizer.Normalize(values[0])
	if err != nil {
		return nil, err
	}

	record := make(types.Record, len(types.Schema))
	record[types.FieldTimestamp] = ts

	for i := 1; i < types.MinColumns; i++ {
		field := types.ColumnFields[i]
		if err := checkKind(columnKinds[i], values[i]); err != nil {
			return nil, &FieldError{Field: field, Value: values[i]}
		}
		record[field] = values[i]
	}

	record[types.FieldStatus] = status.String()
	record[types.FieldMachine] = p.identity.Machine
	record[types.FieldLocation] = p.identity.LocationPoint
	record[types.FieldLocationName] = p.identity.LocationName

	return record, nil
}

func checkKind(kind columnKind, value string) error {
	v := strings.TrimSpace(value)
	switch kind {
	case kindInt:
		_, err := strconv.ParseInt(v, 10, 64)
		return err
	case kindFloat:
		_, err := strconv.ParseFloat(v, 64)
		return err
	}
	return nil
}

// Compose appends the inferred status to a raw line as an extra column
func Compose(line string, status state.Label) string {
	return strings.TrimSpace(line) + ";" + status.String()
}
