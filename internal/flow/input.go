package flow

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// patternCache holds compiled input patterns. A pattern that fails to compile never matches.
var patternCache sync.Map

func compilePattern(p string) *regexp.Regexp {
	if v, ok := patternCache.Load(p); ok {
		return v.(*regexp.Regexp)
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil
	}
	patternCache.Store(p, re)
	return re
}

// matchOption finds the menu option selected by input: its key or its label, compared
// case-insensitively.
func matchOption(n *models.MenuNode, input string) (models.MenuOption, bool) {
	if input == "" {
		return models.MenuOption{}, false
	}
	for _, opt := range n.Options {
		if strings.EqualFold(opt.Key, input) {
			return opt, true
		}
	}
	for _, opt := range n.Options {
		if opt.Label != "" && strings.EqualFold(opt.Label, input) {
			return opt, true
		}
	}
	return models.MenuOption{}, false
}

// validateFormat checks input against the node format and returns the value to record.
func validateFormat(n *models.InputNode, input string) (string, bool) {
	if input == "" {
		return "", false
	}
	switch n.Format {
	case models.InputFormatNumber:
		if _, err := strconv.ParseFloat(input, 64); err != nil {
			return "", false
		}
		return input, true
	case models.InputFormatRegex:
		re := compilePattern(n.Pattern)
		if re == nil || !re.MatchString(input) {
			return "", false
		}
		return input, true
	case models.InputFormatPhone:
		phone, err := models.CanonicalizePhone(input)
		if err != nil {
			return "", false
		}
		return phone, true
	default:
		return input, true
	}
}

// evaluateInput validates input and picks the transition: an equals route first, then a
// range route, then a regex route, then Else.
func evaluateInput(n *models.InputNode, input string) (value, next string, ok bool) {
	value, ok = validateFormat(n, input)
	if !ok {
		return "", "", false
	}
	for _, r := range n.Routes {
		if r.Equals != "" && strings.EqualFold(r.Equals, value) {
			return value, r.Next, true
		}
	}
	if num, err := strconv.ParseFloat(value, 64); err == nil {
		for _, r := range n.Routes {
			if r.Min == nil && r.Max == nil {
				continue
			}
			if r.Min != nil && num < *r.Min {
				continue
			}
			if r.Max != nil && num > *r.Max {
				continue
			}
			return value, r.Next, true
		}
	}
	for _, r := range n.Routes {
		if r.Matches == "" {
			continue
		}
		if re := compilePattern(r.Matches); re != nil && re.MatchString(value) {
			return value, r.Next, true
		}
	}
	return value, n.Else, true
}
