// Package state derives a machine's operating state from its production
// counter.
package state

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Label is an inferred machine state
type Label string

const (
	Running Label = "Running"
	Stopped Label = "Stopped"
)

func (l Label) String() string {
	return string(l)
}

// ErrParse is returned when a line has no usable counter column
var ErrParse = errors.New("counter parse error")

// Counter extracts the counter column (second to last) of a raw line
func Counter(line string) (int64, error) {
	values := strings.Split(strings.TrimSpace(line), ";")
	if len(values) < 2 {
		return 0, fmt.Errorf("%w: line has %d columns", ErrParse, len(values))
	}

	raw := strings.TrimSpace(values[len(values)-2])
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: counter %q is not an integer", ErrParse, raw)
	}
	return n, nil
}

// Infer compares the counters of two samples taken a fixed lag apart.
// The machine is Running only when the counter moved and is non-zero.
func Infer(oldLine, newLine string) (Label, error) {
	oldCounter, err := Counter(oldLine)
	if err != nil {
		return "", fmt.Errorf("older sample: %w", err)
	}

	newCounter, err := Counter(newLine)
	if err != nil {
		return "", fmt.Errorf("newer sample: %w", err)
	}

	return Decide(oldCounter, newCounter), nil
}

// Decide applies the state rule to two counter values
func Decide(oldCounter, newCounter int64) Label {
	if newCounter != oldCounter && newCounter != 0 {
		return Running
	}
	return Stopped
}
