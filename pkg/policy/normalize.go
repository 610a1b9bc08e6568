package policy

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// fold maps s to its compatibility-normalised, case-folded form so that
// full-width or ligature spellings of a keyword still match.
func fold(s string) string {
	// Casers are stateful; never share one across goroutines.
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(s)))
}

func foldAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if f := fold(s); f != "" {
			out = append(out, f)
		}
	}
	return out
}
