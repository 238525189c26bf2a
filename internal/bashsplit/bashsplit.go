// Package bashsplit splits a block of shell source into its top-level
// commands, honoring heredocs, escaped newlines, and quoting, and validates
// a command block's syntax by invoking bash in no-exec mode. There is no
// bashlex equivalent in the Go ecosystem, so the splitter is a hand-rolled
// scanner; callers that hit ErrAmbiguous must fall back to a unique
// terminator strategy rather than risk a mis-split.
package bashsplit

import (
	"errors"
	"strings"
)

// ErrAmbiguous is returned when the scanner cannot be sure where a command
// ends (an unterminated quote or heredoc). Per the splitting contract,
// callers must treat this as "do not split" rather than guess.
var ErrAmbiguous = errors.New("bashsplit: ambiguous input, refusing to split")

// Split parses input into its ordered top-level commands. Blank or
// all-comment input yields an empty slice and a nil error.
func Split(input string) ([]string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" || isAllComments(trimmed) {
		return []string{}, nil
	}

	s := &scanner{src: input}
	return s.run()
}

func isAllComments(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		l := strings.TrimSpace(line)
		if l != "" && !strings.HasPrefix(l, "#") {
			return false
		}
	}
	return true
}

type scanner struct {
	src        string
	i          int
	inSingle   bool
	inDouble   bool
	escaped    bool
	atLineHead bool // true when the next non-space char could start a comment
	heredocs   []string
	cmdStart   int
	commands   []string
}

func (s *scanner) run() ([]string, error) {
	s.atLineHead = true
	n := len(s.src)

	for s.i < n {
		c := s.src[s.i]

		if s.atLineHead && !s.inSingle && !s.inDouble {
			rest := strings.TrimLeft(s.src[s.i:], " \t")
			if strings.HasPrefix(rest, "#") {
				nl := strings.IndexByte(s.src[s.i:], '\n')
				if nl < 0 {
					s.i = n
					break
				}
				s.i += nl
				continue
			}
		}

		switch {
		case c == '\n':
			if err := s.handleNewline(); err != nil {
				return nil, err
			}
			continue
		case s.inSingle:
			if c == '\'' && !s.escaped {
				s.inSingle = false
			}
		case s.inDouble:
			if c == '"' && !s.escaped {
				s.inDouble = false
			}
		case c == '\'' && !s.escaped:
			s.inSingle = true
		case c == '"' && !s.escaped:
			s.inDouble = true
		case c == '<' && !s.escaped && s.peek(1) == '<' && s.peek(2) != '<':
			delim, newI, ok := s.parseHeredocDelim(s.i + 2)
			if ok {
				s.heredocs = append(s.heredocs, delim)
				s.i = newI
				continue
			}
		}

		s.escaped = c == '\\' && !s.inSingle && !s.escaped
		s.atLineHead = false
		s.i++
	}

	if s.inSingle || s.inDouble || len(s.heredocs) > 0 {
		return nil, ErrAmbiguous
	}

	s.finishCommand(n)
	return s.commands, nil
}

func (s *scanner) peek(offset int) byte {
	if s.i+offset >= len(s.src) {
		return 0
	}
	return s.src[s.i+offset]
}

// parseHeredocDelim parses the `-` (strip-tabs marker) and delimiter word
// following a "<<" operator found at position i-2..i-1. Returns the
// delimiter text, the scanner position just past it, and whether parsing
// succeeded.
func (s *scanner) parseHeredocDelim(from int) (string, int, bool) {
	i := from
	n := len(s.src)
	if i < n && s.src[i] == '-' {
		i++
	}
	for i < n && (s.src[i] == ' ' || s.src[i] == '\t') {
		i++
	}
	if i >= n {
		return "", 0, false
	}
	if s.src[i] == '\'' || s.src[i] == '"' {
		quote := s.src[i]
		start := i + 1
		end := strings.IndexByte(s.src[start:], quote)
		if end < 0 {
			return "", 0, false
		}
		delim := s.src[start : start+end]
		return delim, start + end + 1, true
	}
	start := i
	for i < n {
		c := s.src[i]
		if c == ' ' || c == '\t' || c == '\n' || c == ';' || c == '&' || c == '|' || c == '<' || c == '>' || c == '(' {
			break
		}
		i++
	}
	if i == start {
		return "", 0, false
	}
	delim := strings.TrimLeft(s.src[start:i], "\\")
	return delim, i, true
}

func (s *scanner) handleNewline() error {
	if s.inSingle || s.inDouble {
		s.i++
		s.atLineHead = false
		return nil
	}
	if s.escaped {
		s.escaped = false
		s.i++
		s.atLineHead = false
		return nil
	}
	if len(s.heredocs) > 0 {
		return s.consumeHeredocBodies()
	}
	s.i++
	s.finishCommand(s.i)
	s.cmdStart = s.i
	s.atLineHead = true
	return nil
}

// consumeHeredocBodies reads the body lines for every pending heredoc, in
// order, terminating each on a line equal to its delimiter.
func (s *scanner) consumeHeredocBodies() error {
	lineEnd := s.i
	i := lineEnd + 1
	n := len(s.src)

	for len(s.heredocs) > 0 {
		delim := s.heredocs[0]
		lineStart := i
		for i < n && s.src[i] != '\n' {
			i++
		}
		line := strings.TrimRight(strings.TrimLeft(s.src[lineStart:i], "\t"), "\r")
		if line == delim {
			s.heredocs = s.heredocs[1:]
		}
		if i >= n {
			if len(s.heredocs) > 0 {
				return ErrAmbiguous
			}
			s.i = i
			s.atLineHead = true
			s.finishCommand(s.i)
			s.cmdStart = s.i
			return nil
		}
		i++ // skip the newline just scanned
	}

	s.i = i
	s.finishCommand(s.i)
	s.cmdStart = s.i
	s.atLineHead = true
	return nil
}

func (s *scanner) finishCommand(end int) {
	cmd := s.src[s.cmdStart:end]
	if strings.TrimSpace(cmd) == "" {
		return
	}
	s.commands = append(s.commands, strings.Trim(cmd, "\n"))
}
