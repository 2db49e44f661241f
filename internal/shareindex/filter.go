package shareindex

import (
	"path"
	"regexp"
)

// FilterSet holds include/exclude rules applied to a masked path. A glob
// pattern (no leading '~') is matched with path.Match semantics; a pattern
// prefixed with '~' is compiled as a regexp. Exclude rules win over include
// rules; an empty FilterSet admits everything.
type FilterSet struct {
	Include []string
	Exclude []string
}

func patternMatches(pat, maskedPath string) bool {
	if len(pat) > 0 && pat[0] == '~' {
		re, err := regexp.Compile(pat[1:])
		return err == nil && re.MatchString(maskedPath)
	}
	ok, err := path.Match(pat, maskedPath)
	return err == nil && ok
}

// Allows reports whether maskedPath survives this FilterSet.
func (f *FilterSet) Allows(maskedPath string) bool {
	for _, pat := range f.Exclude {
		if patternMatches(pat, maskedPath) {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, pat := range f.Include {
		if patternMatches(pat, maskedPath) {
			return true
		}
	}
	return false
}
