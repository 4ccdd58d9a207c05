package deliberation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// placeholderRe matches {{name}} placeholders; variable names are word
// characters only.
var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// MissingVariablesError reports template variables with no supplied value,
// sorted by name.
type MissingVariablesError struct {
	Names []string
}

func (e *MissingVariablesError) Error() string {
	return fmt.Sprintf("missing template variables: %s", strings.Join(e.Names, ", "))
}

// Render substitutes {{name}} placeholders with the supplied values.
// Substitution is literal — values are never re-scanned for placeholders
// and never evaluated. Missing variables yield a MissingVariablesError
// listing the sorted missing names.
func Render(template string, vars map[string]string) (string, error) {
	missing := map[string]bool{}

	var sb strings.Builder
	last := 0
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(template, -1) {
		sb.WriteString(template[last:loc[0]])
		name := template[loc[2]:loc[3]]
		if value, ok := vars[name]; ok {
			sb.WriteString(value)
		} else {
			missing[name] = true
		}
		last = loc[1]
	}
	sb.WriteString(template[last:])

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return "", &MissingVariablesError{Names: names}
	}

	return sb.String(), nil
}
