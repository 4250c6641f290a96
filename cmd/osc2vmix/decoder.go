package main

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ============================================================================
// Message Decoder - OSC address + arguments -> Command
// ============================================================================
// Every recognized address has an exact arity and an accepted set of argument
// types. Anything else is rejected with a typed error describing the violation;
// rejections are scoped to the one message and never stop the pipeline.
// ============================================================================

// Message is one addressed OSC message: a path-like address and its arguments.
// Arguments keep their decoded Go types (int32, int64, float32, float64, string, ...).
type Message struct {
	Address string
	Args    []any
}

// ArityError reports a recognized address called with the wrong argument count.
type ArityError struct {
	Address  string
	Expected int
	Got      int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("%s: expected %d argument(s), got %d", e.Address, e.Expected, e.Got)
}

// TypeError reports an argument whose type is outside the accepted set.
type TypeError struct {
	Address  string
	Value    any
	Expected []string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("%s: unsupported argument %v (%T), expected %s",
		e.Address, e.Value, e.Value, strings.Join(e.Expected, " or "))
}

// UnknownAddressError reports an address outside the command vocabulary.
// Unknown addresses are normal traffic from a control surface, not failures.
type UnknownAddressError struct {
	Address string
}

func (e *UnknownAddressError) Error() string {
	return fmt.Sprintf("unknown address %s", e.Address)
}

// ErrRawDisabled is returned for raw messages when raw passthrough is turned off.
var ErrRawDisabled = errors.New("raw passthrough disabled")

var (
	identifierTypes = []string{"int", "string"}
	levelTypes      = []string{"int", "float"}
	rawTypes        = []string{"string"}
)

// action describes one entry of the address vocabulary.
type action struct {
	arity int
	build func(address string, args []any) (Command, error)
}

var actions = map[string]action{
	"fader": {arity: 1, build: func(address string, args []any) (Command, error) {
		v, err := levelArg(address, args[0])
		if err != nil {
			return nil, err
		}
		return CmdSetFader{Value: v}, nil
	}},
	"cut": {arity: 1, build: func(address string, args []any) (Command, error) {
		id, err := identifierArg(address, args[0])
		if err != nil {
			return nil, err
		}
		return CmdCutToInput{Input: id}, nil
	}},
	"preview": {arity: 1, build: func(address string, args []any) (Command, error) {
		id, err := identifierArg(address, args[0])
		if err != nil {
			return nil, err
		}
		return CmdPreviewInput{Input: id}, nil
	}},
	"raw": {arity: 1, build: func(address string, args []any) (Command, error) {
		s, ok := args[0].(string)
		if !ok {
			return nil, &TypeError{Address: address, Value: args[0], Expected: rawTypes}
		}
		return CmdRaw{Fragment: s}, nil
	}},
	"quickplay": {arity: 0, build: func(string, []any) (Command, error) {
		return CmdQuickPlay{}, nil
	}},
	"ftb": {arity: 0, build: func(string, []any) (Command, error) {
		return CmdFadeToBlack{}, nil
	}},
	"restart": {arity: 1, build: func(address string, args []any) (Command, error) {
		id, err := identifierArg(address, args[0])
		if err != nil {
			return nil, err
		}
		return CmdRestartInput{Input: id}, nil
	}},
	"nextitem": {arity: 1, build: func(address string, args []any) (Command, error) {
		id, err := identifierArg(address, args[0])
		if err != nil {
			return nil, err
		}
		return CmdNextItem{Input: id}, nil
	}},
	"previousitem": {arity: 1, build: func(address string, args []any) (Command, error) {
		id, err := identifierArg(address, args[0])
		if err != nil {
			return nil, err
		}
		return CmdPreviousItem{Input: id}, nil
	}},
}

// Decoder validates messages against the command vocabulary.
// It holds no mutable state and is safe for concurrent use.
type Decoder struct {
	prefix   string
	allowRaw bool
}

// NewDecoder returns a decoder. A non-empty prefix (e.g. "/vmix") restricts
// matching to addresses under that namespace.
func NewDecoder(prefix string, allowRaw bool) *Decoder {
	return &Decoder{
		prefix:   strings.TrimSuffix(prefix, "/"),
		allowRaw: allowRaw,
	}
}

// Decode maps msg to exactly one Command or returns the reason it was rejected.
func (d *Decoder) Decode(msg Message) (Command, error) {
	name, ok := d.actionName(msg.Address)
	if !ok {
		return nil, &UnknownAddressError{Address: msg.Address}
	}
	act, ok := actions[name]
	if !ok {
		return nil, &UnknownAddressError{Address: msg.Address}
	}
	if name == "raw" && !d.allowRaw {
		return nil, fmt.Errorf("%s: %w", msg.Address, ErrRawDisabled)
	}
	if len(msg.Args) != act.arity {
		return nil, &ArityError{Address: msg.Address, Expected: act.arity, Got: len(msg.Args)}
	}
	return act.build(msg.Address, msg.Args)
}

// actionName returns the last path segment of address, honoring the prefix.
func (d *Decoder) actionName(address string) (string, bool) {
	if d.prefix != "" {
		if !strings.HasPrefix(address, d.prefix+"/") {
			return "", false
		}
	}
	i := strings.LastIndexByte(address, '/')
	if i < 0 || i == len(address)-1 {
		return "", false
	}
	return address[i+1:], true
}

// identifierArg accepts an integer or string input reference and normalizes it to a string.
func identifierArg(address string, v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int:
		return strconv.Itoa(x), nil
	}
	return "", &TypeError{Address: address, Value: v, Expected: identifierTypes}
}

// levelArg accepts an integer, or a float truncated toward zero.
func levelArg(address string, v any) (int, error) {
	switch x := v.(type) {
	case int32:
		return int(x), nil
	case int64:
		if x < math.MinInt32 || x > math.MaxInt32 {
			break
		}
		return int(x), nil
	case int:
		if x < math.MinInt32 || x > math.MaxInt32 {
			break
		}
		return x, nil
	case float32:
		if n, ok := truncateFloat(float64(x)); ok {
			return n, nil
		}
	case float64:
		if n, ok := truncateFloat(x); ok {
			return n, nil
		}
	}
	return 0, &TypeError{Address: address, Value: v, Expected: levelTypes}
}

func truncateFloat(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	t := math.Trunc(f)
	if t < math.MinInt32 || t > math.MaxInt32 {
		return 0, false
	}
	return int(t), true
}
