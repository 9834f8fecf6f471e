package gate

import (
	"fmt"
	"regexp"
	"reply-monitor/pkg/replier"
	"strings"
	"unicode/utf8"
)

// Safety is a content check applied to every candidate's text.
type Safety struct {
	denied    []string
	patterns  []*regexp.Regexp
	maxLength int
}

// NewSafety builds a safety check. Denylist terms match case-insensitively as
// substrings; patterns are regular expressions. maxLength of zero means the
// platform reply limit.
func NewSafety(denylist, patterns []string, maxLength int) (*Safety, error) {
	s := &Safety{maxLength: maxLength}
	if s.maxLength <= 0 {
		s.maxLength = replier.MaxReplyLength
	}
	for _, d := range denylist {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			s.denied = append(s.denied, d)
		}
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile safety pattern %q: %w", p, replier.ErrConfigInvalid)
		}
		s.patterns = append(s.patterns, re)
	}
	return s, nil
}

// Check returns ok=false with a short description if the text fails.
func (s *Safety) Check(text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return "empty reply", false
	}
	if n := utf8.RuneCountInString(text); n > s.maxLength {
		return fmt.Sprintf("length %d exceeds %d", n, s.maxLength), false
	}
	lower := strings.ToLower(text)
	for _, d := range s.denied {
		if strings.Contains(lower, d) {
			return "denylisted term " + d, false
		}
	}
	for _, re := range s.patterns {
		if re.MatchString(text) {
			return "matched pattern " + re.String(), false
		}
	}
	return "", true
}
