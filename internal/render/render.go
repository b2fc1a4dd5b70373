// Package render validates caller parameters against a command template's schema and
// substitutes them into the command so that no value can change the command's shell
// structure.
package render

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"rexec/internal/types"
)

var paramNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Rendered is a command ready to send, plus the validated parameter values it was built
// from (defaults applied, unknown inputs dropped).
type Rendered struct {
	Command string
	Values  map[string]string
}

// compiled is a checked template.
type compiled struct {
	segs     []segment
	patterns map[string]*regexp.Regexp
}

// CheckTemplate reports authoring problems in tpl as a TemplateConfiguration error.
func CheckTemplate(tpl types.CommandTemplate) error {
	_, err := compile(tpl)
	return err
}

func compile(tpl types.CommandTemplate) (*compiled, error) {
	if strings.TrimSpace(tpl.Command) == "" {
		return nil, configError(tpl, "command is empty")
	}
	c := &compiled{patterns: make(map[string]*regexp.Regexp)}
	declared := make(map[string]types.ParamSpec, len(tpl.Params))
	for _, p := range tpl.Params {
		if !paramNameRe.MatchString(p.Name) {
			return nil, configError(tpl, "invalid parameter name %q", p.Name)
		}
		if _, dup := declared[p.Name]; dup {
			return nil, configError(tpl, "parameter %q declared twice", p.Name)
		}
		declared[p.Name] = p
		switch p.Type {
		case types.ParamString:
			if p.Pattern != "" {
				re, err := regexp.Compile(`^(?:` + p.Pattern + `)$`)
				if err != nil {
					return nil, configError(tpl, "parameter %q has an invalid pattern: %v", p.Name, err)
				}
				c.patterns[p.Name] = re
			}
		case types.ParamInteger:
			if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
				return nil, configError(tpl, "parameter %q has min %d greater than max %d", p.Name, *p.Min, *p.Max)
			}
		case types.ParamEnum:
			if len(p.Options) == 0 {
				return nil, configError(tpl, "enum parameter %q has no options", p.Name)
			}
		default:
			return nil, configError(tpl, "parameter %q has unknown type %q", p.Name, p.Type)
		}
	}
	for _, p := range tpl.Params {
		if p.Default == nil || *p.Default == "" {
			continue
		}
		if _, err := validate(p, *p.Default, c.patterns[p.Name]); err != nil {
			return nil, configError(tpl, "default of parameter %q is invalid: %s", p.Name, err.Message)
		}
	}

	segs, err := lexCommand(tpl.Command)
	if err != nil {
		return nil, configError(tpl, "%v", err)
	}
	for _, s := range segs {
		if s.param == "" {
			continue
		}
		if _, ok := declared[s.param]; !ok {
			return nil, configError(tpl, "placeholder {{%s}} has no matching parameter", s.param)
		}
	}
	c.segs = segs
	return c, nil
}

// Render validates raw against tpl's schema and returns the substituted command.
// Parameters are checked in schema order and the first failure is returned.
func Render(tpl types.CommandTemplate, raw map[string]string) (*Rendered, error) {
	c, err := compile(tpl)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(tpl.Params))
	for _, p := range tpl.Params {
		v := raw[p.Name]
		if v == "" && p.Default != nil {
			v = *p.Default
		}
		if v == "" {
			if p.Required {
				return nil, paramError(p, "parameter %q is required", p.Name)
			}
			continue
		}
		canonical, verr := validate(p, v, c.patterns[p.Name])
		if verr != nil {
			return nil, verr
		}
		values[p.Name] = canonical
	}

	var b strings.Builder
	for _, s := range c.segs {
		if s.param == "" {
			b.WriteString(s.text)
			continue
		}
		b.WriteString(substitute(values[s.param], s.quoting))
	}
	return &Rendered{Command: b.String(), Values: values}, nil
}

// validate checks one non-empty value and returns its canonical form.
func validate(p types.ParamSpec, v string, pattern *regexp.Regexp) (string, *types.Error) {
	switch p.Type {
	case types.ParamInteger:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return "", paramError(p, "parameter %q must be a whole number", p.Name)
		}
		if p.Min != nil && n < *p.Min {
			return "", paramError(p, "parameter %q must be at least %d", p.Name, *p.Min)
		}
		if p.Max != nil && n > *p.Max {
			return "", paramError(p, "parameter %q must be at most %d", p.Name, *p.Max)
		}
		return strconv.FormatInt(n, 10), nil
	case types.ParamEnum:
		for _, o := range p.Options {
			if v == o {
				return v, nil
			}
		}
		return "", paramError(p, "parameter %q must be one of %s", p.Name, strings.Join(p.Options, ", "))
	default:
		if pattern != nil && !pattern.MatchString(v) {
			return "", paramError(p, "parameter %q does not match pattern %s", p.Name, p.Pattern)
		}
		return v, nil
	}
}

// substitute renders v for the quoting context it is placed in.
func substitute(v string, q quoting) string {
	escaped := strings.ReplaceAll(v, "'", `'\''`)
	switch q {
	case quoteSingle:
		return escaped
	case quoteDouble:
		return `"'` + escaped + `'"`
	default:
		return "'" + escaped + "'"
	}
}

func configError(tpl types.CommandTemplate, format string, args ...interface{}) *types.Error {
	name := tpl.Name
	if name == "" {
		name = tpl.ID
	}
	return types.Errorf(types.KindTemplateConfiguration, "template %q: %s", name, fmt.Sprintf(format, args...))
}

func paramError(p types.ParamSpec, format string, args ...interface{}) *types.Error {
	e := types.Errorf(types.KindParameterValidation, format, args...)
	e.Param = p.Name
	return e
}
