package render

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`^\{\{\s*\.?([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// quoting is the shell quoting context a placeholder appears in.
type quoting int

const (
	quoteNone quoting = iota
	quoteSingle
	quoteDouble
)

type frame int

const (
	frameCode     frame = iota // top level or ( ... ) subshell
	frameSingle                // '...'
	frameDouble                // "..."
	frameCmdSubst              // $( ... )
	frameBacktick              // ` ... `
	frameParamExp              // ${ ... }
	frameANSIC                 // $'...'
	frameArith                 // $(( ... )) or (( ... ))
	frameArithParen            // ( ... ) inside arithmetic
)

// segment is literal text or a placeholder.
type segment struct {
	text    string
	param   string
	quoting quoting
}

type heredoc struct {
	delim     string
	stripTabs bool
}

// lexCommand splits command into literal and placeholder segments, tracking enough POSIX
// shell syntax to know how each placeholder is quoted. Placeholders where a quoted value
// could still be re-parsed as code (command substitution, backticks, parameter
// expansion, arithmetic, $'...' strings, here-document bodies and comments) are rejected.
func lexCommand(command string) ([]segment, error) {
	var (
		segs    []segment
		lit     strings.Builder
		stack   = []frame{frameCode}
		pending []heredoc
		comment bool
	)
	top := func() frame { return stack[len(stack)-1] }
	push := func(f frame) { stack = append(stack, f) }
	pop := func() { stack = stack[:len(stack)-1] }
	unsafe := func() string {
		if comment {
			return "a comment"
		}
		for _, f := range stack {
			switch f {
			case frameCmdSubst:
				return "a $(...) command substitution"
			case frameBacktick:
				return "a backtick command substitution"
			case frameParamExp:
				return "a ${...} expansion"
			case frameANSIC:
				return "a $'...' string"
			case frameArith, frameArithParen:
				return "an arithmetic expression"
			}
		}
		return ""
	}
	wordStart := func(i int) bool {
		if i == 0 {
			return true
		}
		return strings.IndexByte(" \t\n;&|()", command[i-1]) >= 0
	}
	// expansion reports the frame opened by a $-expansion at i and its opener length.
	expansion := func(i int) (frame, int) {
		switch {
		case strings.HasPrefix(command[i:], "$(("):
			return frameArith, 3
		case strings.HasPrefix(command[i:], "$("):
			return frameCmdSubst, 2
		case strings.HasPrefix(command[i:], "${"):
			return frameParamExp, 2
		}
		return frameCode, 0
	}
	open := func(i int, f frame, n int) int {
		push(f)
		lit.WriteString(command[i : i+n])
		return i + n
	}

	for i := 0; i < len(command); {
		if m := placeholderRe.FindStringSubmatch(command[i:]); m != nil {
			if where := unsafe(); where != "" {
				return nil, fmt.Errorf("placeholder %q inside %s", m[1], where)
			}
			q := quoteNone
			switch top() {
			case frameSingle:
				q = quoteSingle
			case frameDouble:
				q = quoteDouble
			}
			if lit.Len() > 0 {
				segs = append(segs, segment{text: lit.String()})
				lit.Reset()
			}
			segs = append(segs, segment{param: m[1], quoting: q})
			i += len(m[0])
			continue
		}

		c := command[i]
		if comment {
			lit.WriteByte(c)
			i++
			if c == '\n' {
				comment = false
				if len(pending) > 0 {
					n, err := skipHeredocs(command, i, pending, &lit)
					if err != nil {
						return nil, err
					}
					i, pending = n, nil
				}
			}
			continue
		}

		switch top() {
		case frameSingle:
			if c == '\'' {
				pop()
			}
		case frameANSIC:
			switch {
			case c == '\\' && i+1 < len(command):
				lit.WriteByte(c)
				i++
				c = command[i]
			case c == '\'':
				pop()
			}
		case frameDouble:
			if f, n := expansion(i); n > 0 {
				i = open(i, f, n)
				continue
			}
			switch {
			case c == '\\' && i+1 < len(command):
				lit.WriteByte(c)
				i++
				c = command[i]
			case c == '"':
				pop()
			case c == '`':
				push(frameBacktick)
			}
		case frameBacktick:
			switch {
			case c == '\\' && i+1 < len(command):
				lit.WriteByte(c)
				i++
				c = command[i]
			case c == '`':
				pop()
			}
		case frameParamExp:
			switch {
			case c == '}':
				pop()
			case c == '$' && strings.HasPrefix(command[i:], "$'"):
				i = open(i, frameANSIC, 2)
				continue
			case c == '\'':
				push(frameSingle)
			case c == '"':
				push(frameDouble)
			}
		case frameArith, frameArithParen:
			if f, n := expansion(i); n > 0 {
				i = open(i, f, n)
				continue
			}
			switch {
			case c == '`':
				push(frameBacktick)
			case c == '(':
				push(frameArithParen)
			case c == ')' && top() == frameArithParen:
				pop()
			case c == ')' && strings.HasPrefix(command[i:], "))"):
				pop()
				lit.WriteString("))")
				i += 2
				continue
			}
		default: // frameCode, frameCmdSubst
			if f, n := expansion(i); n > 0 {
				i = open(i, f, n)
				continue
			}
			switch {
			case c == '\\' && i+1 < len(command):
				lit.WriteByte(c)
				i++
				c = command[i]
			case c == '$' && strings.HasPrefix(command[i:], "$'"):
				i = open(i, frameANSIC, 2)
				continue
			case c == '\'':
				push(frameSingle)
			case c == '"':
				push(frameDouble)
			case c == '`':
				push(frameBacktick)
			case c == '(' && strings.HasPrefix(command[i:], "((") && wordStart(i):
				i = open(i, frameArith, 2)
				continue
			case c == '(':
				push(frameCode)
			case c == ')':
				if len(stack) > 1 {
					pop()
				}
			case c == '#' && wordStart(i):
				comment = true
			case c == '<' && strings.HasPrefix(command[i:], "<<<"):
				lit.WriteString("<<")
				i += 2
				c = command[i]
			case c == '<' && strings.HasPrefix(command[i:], "<<"):
				h, n, err := parseHeredocOp(command, i)
				if err != nil {
					return nil, err
				}
				pending = append(pending, h)
				lit.WriteString(command[i:n])
				i = n
				continue
			case c == '\n' && len(pending) > 0:
				lit.WriteByte(c)
				n, err := skipHeredocs(command, i+1, pending, &lit)
				if err != nil {
					return nil, err
				}
				i, pending = n, nil
				continue
			}
		}
		lit.WriteByte(c)
		i++
	}

	if len(stack) > 1 {
		return nil, fmt.Errorf("unterminated quote or substitution")
	}
	if len(pending) > 0 {
		return nil, fmt.Errorf("here-document %q has no body", pending[0].delim)
	}
	if lit.Len() > 0 {
		segs = append(segs, segment{text: lit.String()})
	}
	return segs, nil
}

// parseHeredocOp reads `<<[-] word` at i and returns the delimiter and the index after it.
func parseHeredocOp(command string, i int) (heredoc, int, error) {
	j := i + 2
	var h heredoc
	if j < len(command) && command[j] == '-' {
		h.stripTabs = true
		j++
	}
	for j < len(command) && (command[j] == ' ' || command[j] == '\t') {
		j++
	}
	var word strings.Builder
	for j < len(command) {
		c := command[j]
		if strings.IndexByte(" \t\n;&|<>()", c) >= 0 {
			break
		}
		switch c {
		case '\'', '"':
			end := strings.IndexByte(command[j+1:], c)
			if end < 0 {
				return h, 0, fmt.Errorf("unterminated here-document delimiter")
			}
			word.WriteString(command[j+1 : j+1+end])
			j += end + 2
			continue
		case '\\':
			j++
			if j < len(command) {
				word.WriteByte(command[j])
				j++
			}
			continue
		}
		if placeholderRe.MatchString(command[j:]) {
			return h, 0, fmt.Errorf("placeholder used as a here-document delimiter")
		}
		word.WriteByte(c)
		j++
	}
	if word.Len() == 0 {
		return h, 0, fmt.Errorf("here-document without a delimiter")
	}
	h.delim = word.String()
	return h, j, nil
}

// skipHeredocs copies here-document bodies starting at i verbatim and returns the index
// after the last delimiter line. Placeholders in bodies are rejected.
func skipHeredocs(command string, i int, docs []heredoc, lit *strings.Builder) (int, error) {
	for _, h := range docs {
		for {
			if i >= len(command) {
				return 0, fmt.Errorf("here-document %q is not terminated", h.delim)
			}
			end := strings.IndexByte(command[i:], '\n')
			line := command[i:]
			next := len(command)
			if end >= 0 {
				line = command[i : i+end]
				next = i + end + 1
			}
			if placeholderIn(line) {
				return 0, fmt.Errorf("placeholder inside here-document %q", h.delim)
			}
			lit.WriteString(command[i:next])
			i = next
			check := line
			if h.stripTabs {
				check = strings.TrimLeft(check, "\t")
			}
			if check == h.delim {
				break
			}
		}
	}
	return i, nil
}

func placeholderIn(s string) bool {
	for k := strings.Index(s, "{{"); k >= 0; {
		if placeholderRe.MatchString(s[k:]) {
			return true
		}
		n := strings.Index(s[k+2:], "{{")
		if n < 0 {
			return false
		}
		k += 2 + n
	}
	return false
}
