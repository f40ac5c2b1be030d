package sandbox

import (
	"fmt"
	"regexp"
)

type denyRule struct {
	pattern *regexp.Regexp
	reason  string
}

// denyList is scanned over the raw script text before anything runs. Matches
// are textual, so identifiers inside string literals are refused too.
var denyList = []denyRule{
	{regexp.MustCompile(`__\w+`), "double-underscore attribute access"},
	{regexp.MustCompile(`(?m)^\s*import\s+\S+`), "import statement"},
	{regexp.MustCompile(`\bimport\s+[A-Za-z_][\w.]*`), "import statement"},
	{regexp.MustCompile(`\bfrom\s+\S+\s+import\b`), "from-import statement"},
	{regexp.MustCompile(`\brequire\s*\(`), "module loading"},
	{regexp.MustCompile(`\b(exec|eval|compile)\s*\(`), "dynamic code execution"},
	{regexp.MustCompile(`\bopen\s*\(`), "file access"},
	{regexp.MustCompile(`\b(os|sys|io|process)\s*\.`), "process or OS module access"},
	{regexp.MustCompile(`\b(subprocess|shutil|pathlib|child_process|fs)\b`), "process or filesystem module"},
	{regexp.MustCompile(`\b(pickle|cPickle|marshal|shelve|dill)\b`), "unsafe serialization module"},
	{regexp.MustCompile(`\bsocket\b`), "raw socket access"},
	{regexp.MustCompile(`\.read\s*\(`), "read method call"},
	{regexp.MustCompile(`\.write\s*\(`), "write method call"},
	{regexp.MustCompile(`\bconstructor\b`), "constructor access"},
	{regexp.MustCompile(`\b(load|loadstring|loadfile|dofile)\s*\(`), "dynamic code loading"},
	{regexp.MustCompile(`\bdebug\s*\.`), "debug library access"},
}

// Validate rejects code matching any deny pattern. The returned error wraps
// ErrSecurityValidation and names the offending construct.
func Validate(code string) error {
	for _, rule := range denyList {
		if match := rule.pattern.FindString(code); match != "" {
			return fmt.Errorf("%w: %s (%q)", ErrSecurityValidation, rule.reason, match)
		}
	}
	return nil
}
