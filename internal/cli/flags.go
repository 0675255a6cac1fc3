package cli

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

var (
	_ pflag.Value = (*OptionalDuration)(nil)
	_ pflag.Value = (*OptionalInt)(nil)
	_ pflag.Value = (*OptionalFloat)(nil)
	_ pflag.Value = (*OptionalString)(nil)
	_ pflag.Value = (*OptionalBool)(nil)
)

// optional holds a flag value and whether the user supplied it, so config
// file values are only overridden by flags that were actually given.
type optional[T any] struct {
	value T
	set   bool
}

func (o *optional[T]) store(v T) error {
	o.value, o.set = v, true
	return nil
}

// Value returns the parsed value and whether the flag was given.
func (o *optional[T]) Value() (T, bool) {
	return o.value, o.set
}

func (o *optional[T]) format(f func(T) string) string {
	if !o.set {
		return ""
	}
	return f(o.value)
}

// OptionalDuration is a duration flag. A bare integer is read as
// milliseconds, matching the config file.
type OptionalDuration struct{ optional[time.Duration] }

func (o *OptionalDuration) Set(s string) error {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return o.store(time.Duration(ms) * time.Millisecond)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	return o.store(v)
}

func (o *OptionalDuration) String() string { return o.format(time.Duration.String) }
func (o *OptionalDuration) Type() string   { return "duration" }

// OptionalInt is an int flag.
type OptionalInt struct{ optional[int] }

func (o *OptionalInt) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	return o.store(v)
}

func (o *OptionalInt) String() string { return o.format(strconv.Itoa) }
func (o *OptionalInt) Type() string   { return "int" }

// OptionalFloat is a float flag restricted to [Min, Max) unless both are zero.
type OptionalFloat struct {
	Min, Max float64
	optional[float64]
}

func (o *OptionalFloat) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	if o.Min != o.Max && (v < o.Min || v >= o.Max) {
		return fmt.Errorf("%v is outside [%v, %v)", v, o.Min, o.Max)
	}
	return o.store(v)
}

func (o *OptionalFloat) String() string {
	return o.format(func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) })
}
func (o *OptionalFloat) Type() string { return "float" }

// OptionalString is a string flag. When Choices is non-empty the value must
// match one of them case-insensitively and is stored in its listed form.
type OptionalString struct {
	Choices []string
	optional[string]
}

func (o *OptionalString) Set(s string) error {
	if len(o.Choices) == 0 {
		return o.store(s)
	}
	i := slices.IndexFunc(o.Choices, func(c string) bool { return strings.EqualFold(c, s) })
	if i < 0 {
		return fmt.Errorf("must be one of %s", strings.Join(o.Choices, "|"))
	}
	return o.store(o.Choices[i])
}

func (o *OptionalString) String() string { return o.format(func(v string) string { return v }) }
func (o *OptionalString) Type() string   { return "string" }

// OptionalBool is a bool flag. Register it with BoolVar so a bare --flag
// means true.
type OptionalBool struct{ optional[bool] }

func (o *OptionalBool) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	return o.store(v)
}

func (o *OptionalBool) String() string { return o.format(strconv.FormatBool) }
func (o *OptionalBool) Type() string   { return "bool" }

// BoolVar registers o on fs so that "--name" alone sets it to true.
func BoolVar(fs *pflag.FlagSet, o *OptionalBool, name, shorthand, usage string) {
	fs.VarPF(o, name, shorthand, usage).NoOptDefVal = "true"
}
