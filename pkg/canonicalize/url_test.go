package canonicalize

import (
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestURL_Normalization(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"bare host", "example.com", "https://example.com"},
		{"scheme lower", "HTTPS://Example.COM", "https://example.com"},
		{"default port 443", "https://example.com:443/about", "https://example.com/about"},
		{"default port 80", "http://example.com:80/about", "http://example.com/about"},
		{"non-default port kept", "https://example.com:8443/about", "https://example.com:8443/about"},
		{"query dropped", "https://example.com/about?utm=1&x=2", "https://example.com/about"},
		{"fragment dropped", "https://example.com/about#team", "https://example.com/about"},
		{"trailing slash", "https://example.com/about/", "https://example.com/about"},
		{"root slash kept", "https://example.com/", "https://example.com/"},
		{"double slashes", "https://example.com//a///b", "https://example.com/a/b"},
		{"whitespace", "  https://example.com/about  ", "https://example.com/about"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := URL(tc.raw, "https")
			if err != nil {
				t.Fatalf("URL(%q) failed: %v", tc.raw, err)
			}
			if got != tc.want {
				t.Errorf("URL(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}

func TestURL_Invalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "https://"} {
		_, err := URL(raw, "https")
		if err == nil {
			t.Errorf("URL(%q) should fail", raw)
		}
		var invalid *ErrInvalidURL
		if !errors.As(err, &invalid) {
			t.Errorf("URL(%q) error should be ErrInvalidURL, got %T", raw, err)
		}
	}
}

func TestHost(t *testing.T) {
	if got := Host("HTTPS://Example.com:443/path?q=1"); got != "example.com" {
		t.Errorf("Host = %q, want example.com", got)
	}
	if got := Host(""); got != "" {
		t.Errorf("Host of empty input = %q, want empty", got)
	}
}

// Canonicalization must be a pure, idempotent function: variants that differ
// only in case, default ports, trailing slashes or query collapse to one key,
// and re-canonicalizing a key is a no-op.
func TestURL_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	hostGen := gen.RegexMatch(`[a-z][a-z0-9]{1,10}\.(com|org|io)`)
	pathGen := gen.RegexMatch(`(/[a-z0-9]{1,8}){0,3}`)

	properties.Property("idempotent", prop.ForAll(
		func(host, path string) bool {
			once, err := URL("https://"+host+path, "https")
			if err != nil {
				return false
			}
			twice, err := URL(once, "https")
			if err != nil {
				return false
			}
			return once == twice
		},
		hostGen, pathGen,
	))

	properties.Property("variants collide", prop.ForAll(
		func(host, path string) bool {
			base, err := URL("https://"+host+path, "https")
			if err != nil {
				return false
			}
			variants := []string{
				"https://" + strings.ToUpper(host) + path,
				"https://" + host + ":443" + path,
				"https://" + host + path + "?utm_source=x",
				"https://" + host + path + "#frag",
			}
			if path != "" {
				variants = append(variants, "https://"+host+path+"/")
			}
			for _, v := range variants {
				got, err := URL(v, "https")
				if err != nil || got != base {
					return false
				}
			}
			return true
		},
		hostGen, pathGen,
	))

	properties.TestingRun(t)
}
