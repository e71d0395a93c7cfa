// Package util provides the naming-convention helpers the layout resolver uses
// to find host classes and fields that interop layers and compilers rename.
package util

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// interopPrefix is prepended to namespaces by the host's interop layer.
const interopPrefix = "Il2Cpp"

// LowerFirst lowercases the first rune of s.
func LowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}

// UpperFirst uppercases the first rune of s.
func UpperFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// BackingFieldName returns the compiler-generated backing field name of an
// auto-property.
func BackingFieldName(property string) string {
	return "<" + UpperFirst(property) + ">k__BackingField"
}

// FieldNameCandidates returns the names a logical field may be stored under,
// in lookup order: exact, lower-first-letter, underscore-prefixed,
// m_-prefixed, and property backing field.
func FieldNameCandidates(name string) []string {
	if name == "" {
		return nil
	}
	return dedupe([]string{
		name,
		LowerFirst(name),
		"_" + LowerFirst(name),
		"m_" + UpperFirst(name),
		BackingFieldName(name),
	})
}

// NamespaceCandidates returns the namespaces a class may live under once the
// interop layer has renamed it, in lookup order.
func NamespaceCandidates(namespace string) []string {
	if namespace == "" {
		return []string{"", interopPrefix}
	}
	if strings.HasPrefix(namespace, interopPrefix) {
		return []string{namespace}
	}
	return dedupe([]string{
		namespace,
		interopPrefix + namespace,
		interopPrefix + "." + namespace,
	})
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
