// Package template turns a domain into candidate URLs.
//
// A template is one or more lines (or comma separated entries), each an
// absolute http(s) URL containing at least one placeholder:
//
//	{domain}  full domain             www.shop.example.co
//	{name}    first label             www
//	{sld}     label before the tld    example
//	{tld}     last label              co
//	{sub}     everything before sld   www.shop
package template

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	ErrEmptyTemplate  = errors.New("url template is empty")
	ErrNoPlaceholder  = errors.New("url template entry has no placeholder")
	ErrEmptyDomain    = errors.New("domain is empty")
	placeholderRegexp = regexp.MustCompile(`\{([a-zA-Z_]+)\}`)
)

// Expand substitutes domain into every entry of tmpl and returns the
// resulting URLs, de-duplicated and in template order. It has no side effects.
func Expand(domain, tmpl string) ([]string, error) {
	domain = NormalizeDomain(domain)
	if domain == "" {
		return nil, ErrEmptyDomain
	}

	entries := splitEntries(tmpl)
	if len(entries) == 0 {
		return nil, ErrEmptyTemplate
	}

	values := placeholderValues(domain)
	seen := make(map[string]bool, len(entries))
	urls := make([]string, 0, len(entries))

	for _, entry := range entries {
		if !placeholderRegexp.MatchString(entry) {
			return nil, fmt.Errorf("%w: %q", ErrNoPlaceholder, entry)
		}

		var unknown string
		expanded := placeholderRegexp.ReplaceAllStringFunc(entry, func(m string) string {
			key := strings.ToLower(m[1 : len(m)-1])
			v, ok := values[key]
			if !ok {
				unknown = m
				return m
			}
			return v
		})
		if unknown != "" {
			return nil, fmt.Errorf("unknown placeholder %s in %q", unknown, entry)
		}

		if err := validateURL(expanded); err != nil {
			return nil, err
		}
		if !seen[expanded] {
			seen[expanded] = true
			urls = append(urls, expanded)
		}
	}

	return urls, nil
}

// Validate checks tmpl against a sample domain without returning URLs.
func Validate(tmpl string) error {
	_, err := Expand("example.com", tmpl)
	return err
}

// NormalizeDomain lowercases and strips scheme, path, port and trailing dots.
func NormalizeDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.LastIndex(d, ":"); i >= 0 && !strings.Contains(d, "]") {
		d = d[:i]
	}
	return strings.Trim(d, ".")
}

func splitEntries(tmpl string) []string {
	fields := strings.FieldsFunc(tmpl, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ','
	})
	entries := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			entries = append(entries, f)
		}
	}
	return entries
}

func placeholderValues(domain string) map[string]string {
	labels := strings.Split(domain, ".")
	v := map[string]string{
		"domain": domain,
		"name":   labels[0],
		"tld":    labels[len(labels)-1],
		"sld":    labels[0],
		"sub":    "",
	}
	if len(labels) >= 2 {
		v["sld"] = labels[len(labels)-2]
	}
	if len(labels) > 2 {
		v["sub"] = strings.Join(labels[:len(labels)-2], ".")
	}
	return v
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %q: missing host", raw)
	}
	return nil
}
