package canonicalize

import (
	"strings"
	"testing"
	"unicode"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Name keys must behave like URL keys: pure, idempotent, and insensitive to
// the variations (case, whitespace, legal suffixes) the merge layer relies on.
func TestName_Properties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("idempotent", prop.ForAll(
		func(raw string) bool {
			once := Name(raw)
			return Name(once) == once
		},
		gen.UnicodeString(unicode.Latin),
	))

	properties.Property("case never matters for ascii names", prop.ForAll(
		func(words []string) bool {
			raw := strings.Join(words, " ")
			return Name(strings.ToUpper(raw)) == Name(strings.ToLower(raw))
		},
		gen.SliceOfN(3, gen.AlphaString()),
	))

	properties.Property("surrounding whitespace never matters", prop.ForAll(
		func(raw string) bool {
			return Name("  "+raw+"\t") == Name(raw)
		},
		gen.AlphaString(),
	))

	properties.Property("legal suffix never matters", prop.ForAll(
		func(base string, suffix string) bool {
			if base == "" {
				return true
			}
			return Name(base+" "+suffix) == Name(base)
		},
		gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 }),
		gen.OneConstOf("Inc", "LLC", "Ltd", "GmbH", "Corp"),
	))

	properties.TestingRun(t)
}
