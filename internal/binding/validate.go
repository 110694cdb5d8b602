package binding

import (
	"regexp"
	"strings"

	"github.com/cryguy/sandbox/internal/core"
)

var identRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// reserved holds names a capability may not take: keywords, and globals the
// binding itself installs or the guest relies on.
var reserved = map[string]bool{
	"console": true, "log": true, "globalThis": true, "undefined": true,
	"NaN": true, "Infinity": true, "eval": true, "arguments": true,

	"await": true, "break": true, "case": true, "catch": true, "class": true,
	"const": true, "continue": true, "debugger": true, "default": true,
	"delete": true, "do": true, "else": true, "enum": true, "export": true,
	"extends": true, "false": true, "finally": true, "for": true,
	"function": true, "if": true, "implements": true, "import": true,
	"in": true, "instanceof": true, "interface": true, "let": true,
	"new": true, "null": true, "package": true, "private": true,
	"protected": true, "public": true, "return": true, "static": true,
	"super": true, "switch": true, "this": true, "throw": true, "true": true,
	"try": true, "typeof": true, "var": true, "void": true, "while": true,
	"with": true, "yield": true,
}

// ValidateCapabilities checks that every capability has a handler and a
// unique name usable as a JavaScript global. Shadowing a built-in global is
// caught later, when Build binds the names.
func ValidateCapabilities(caps []core.Capability) error {
	seen := make(map[string]bool, len(caps))
	for _, c := range caps {
		switch {
		case !identRe.MatchString(c.Name):
			return invalid("capability name %q is not a valid identifier", c.Name)
		case reserved[c.Name]:
			return invalid("capability name %q is reserved", c.Name)
		case strings.HasPrefix(c.Name, HiddenName):
			return invalid("capability name %q uses the reserved %s prefix", c.Name, HiddenName)
		case seen[c.Name]:
			return invalid("duplicate capability %q", c.Name)
		case c.Handler == nil:
			return invalid("capability %q has no handler", c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

func invalid(format string, args ...any) error {
	return core.NewExecError(core.KindInvalidRequest, format, args...)
}
