package indicator

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"marketcore/internal/marketdata/bucket"
	"marketcore/internal/model"
)

// Spec names one indicator instance: a kind, its parameters and optionally
// the output column names to use instead of the defaults.
type Spec struct {
	Name    string            `json:"name" mapstructure:"name"`
	Params  map[string]string `json:"params,omitempty" mapstructure:"params"`
	Columns []string          `json:"columns,omitempty" mapstructure:"columns"`
}

// Params holds canonicalized parameter values of a resolved spec.
type Params map[string]string

// Int returns an integer parameter, 0 if absent.
func (p Params) Int(name string) int {
	n, _ := strconv.Atoi(p[name])
	return n
}

// Float returns a float parameter, 0 if absent.
func (p Params) Float(name string) float64 {
	f, _ := strconv.ParseFloat(p[name], 64)
	return f
}

// Clock returns an "HH:MM" parameter as minutes after midnight.
func (p Params) Clock(name string) int {
	m, _ := bucket.ParseClock(p[name])
	return m
}

// resolved is a spec with its kind looked up and parameters canonicalized.
type resolved struct {
	kind   string
	def    *Definition
	params Params
}

func (r resolved) signature() string {
	keys := make([]string, 0, len(r.params))
	for k := range r.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(r.kind)
	b.WriteByte('(')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(r.params[k])
	}
	b.WriteByte(')')
	return b.String()
}

func (s Spec) resolve() (resolved, error) {
	kind, def, ok := lookup(s.Name)
	if !ok {
		return resolved{}, model.NewConfigError("indicator "+s.Name, fmt.Errorf("unknown indicator %q", s.Name))
	}

	known := make(map[string]Param, len(def.Params))
	params := make(Params, len(def.Params))
	for _, p := range def.Params {
		known[p.Name] = p
		params[p.Name] = p.Default
	}
	for k, v := range s.Params {
		name := strings.ToLower(strings.TrimSpace(k))
		if _, ok := known[name]; !ok {
			return resolved{}, model.NewConfigError("indicator "+kind, fmt.Errorf("unknown parameter %q", k))
		}
		params[name] = v
	}
	for name, v := range params {
		canon, err := canonicalize(known[name].Kind, v)
		if err != nil {
			return resolved{}, model.NewConfigError("indicator "+kind, fmt.Errorf("parameter %s=%q: %w", name, v, err))
		}
		params[name] = canon
	}
	return resolved{kind: kind, def: def, params: params}, nil
}

func canonicalize(kind ParamKind, v string) (string, error) {
	v = strings.TrimSpace(v)
	switch kind {
	case ParamInt:
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", errors.New("not an integer")
		}
		return strconv.Itoa(n), nil
	case ParamFloat:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return "", errors.New("not a finite number")
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	case ParamClock:
		m, err := bucket.ParseClock(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%02d:%02d", m/60, m%60), nil
	}
	return "", fmt.Errorf("unsupported parameter kind %d", kind)
}

// build resolves the spec and constructs its recurrence in loc.
func (s Spec) build(loc *time.Location) (resolved, Recurrence, error) {
	r, err := s.resolve()
	if err != nil {
		return resolved{}, nil, err
	}
	rec, err := r.def.New(r.params, loc)
	if err != nil {
		return resolved{}, nil, err
	}
	if len(s.Columns) > 0 && len(s.Columns) != len(rec.Outputs()) {
		return resolved{}, nil, model.NewConfigError("indicator "+r.kind,
			fmt.Errorf("%d column names given, indicator has %d outputs", len(s.Columns), len(rec.Outputs())))
	}
	for _, c := range s.Columns {
		if strings.TrimSpace(c) == "" {
			return resolved{}, nil, model.NewConfigError("indicator "+r.kind, errors.New("empty column name"))
		}
	}
	return r, rec, nil
}

// Validate reports a ConfigError for an unknown kind, unknown or malformed
// parameters, out-of-range values or a column list of the wrong length.
func (s Spec) Validate() error {
	_, _, err := s.build(time.UTC)
	return err
}

// Signature is the canonical identity of the spec, e.g. "ema(length=20)".
// Defaults are filled and keys sorted, so equivalent specs share a
// signature. An invalid spec returns its raw name.
func (s Spec) Signature() string {
	r, err := s.resolve()
	if err != nil {
		return s.Name
	}
	return r.signature()
}

// OutputColumns returns the column names the spec writes to.
func (s Spec) OutputColumns() ([]string, error) {
	_, rec, err := s.build(time.UTC)
	if err != nil {
		return nil, err
	}
	if len(s.Columns) > 0 {
		return append([]string(nil), s.Columns...), nil
	}
	return rec.Outputs(), nil
}

func (s Spec) String() string {
	sig := s.Signature()
	if len(s.Columns) == 0 {
		return sig
	}
	return sig + " as " + strings.Join(s.Columns, ",")
}

// ParseSpec parses "name", "name()" or "name(k=v,...)", optionally followed
// by " as col1,col2" to rename the outputs.
func ParseSpec(s string) (Spec, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Spec{}, model.NewConfigError("parse indicator", errors.New("empty spec"))
	}

	var spec Spec
	body := raw
	if i := strings.Index(strings.ToLower(raw), " as "); i >= 0 {
		body = strings.TrimSpace(raw[:i])
		for _, c := range strings.Split(raw[i+4:], ",") {
			spec.Columns = append(spec.Columns, strings.TrimSpace(c))
		}
	}

	open := strings.IndexByte(body, '(')
	if open < 0 {
		spec.Name = strings.ToLower(body)
	} else {
		if !strings.HasSuffix(body, ")") {
			return Spec{}, model.NewConfigError("parse indicator", fmt.Errorf("%q: missing closing parenthesis", raw))
		}
		spec.Name = strings.ToLower(strings.TrimSpace(body[:open]))
		args := strings.TrimSpace(body[open+1 : len(body)-1])
		if args != "" {
			spec.Params = make(map[string]string)
			for _, kv := range strings.Split(args, ",") {
				k, v, ok := strings.Cut(kv, "=")
				k = strings.ToLower(strings.TrimSpace(k))
				if !ok || k == "" {
					return Spec{}, model.NewConfigError("parse indicator", fmt.Errorf("%q: parameter %q is not key=value", raw, strings.TrimSpace(kv)))
				}
				if _, dup := spec.Params[k]; dup {
					return Spec{}, model.NewConfigError("parse indicator", fmt.Errorf("%q: parameter %q given twice", raw, k))
				}
				spec.Params[k] = strings.TrimSpace(v)
			}
		}
	}
	if spec.Name == "" {
		return Spec{}, model.NewConfigError("parse indicator", fmt.Errorf("%q: missing indicator name", raw))
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// ParseSpecs parses a semicolon-separated list such as
// "ema(length=20);rsi(length=14)". Empty items are skipped.
func ParseSpecs(s string) ([]Spec, error) {
	var out []Spec
	for _, part := range strings.Split(s, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		spec, err := ParseSpec(part)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}
