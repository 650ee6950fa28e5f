package cache

import (
	"reflect"
	"strings"
	"unicode"
)

// TypeScope derives a cache scope from the reflected type of v, e.g.
// *billing.InvoiceLine becomes "invoice_line:".
func TypeScope(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return ScopeName(t.Name())
}

// ScopeName turns an arbitrary name into a key prefix. Punctuation from
// generic instantiations is folded into underscores so prefix matching stays
// exact.
func ScopeName(name string) string {
	snake := toSnake(name)
	if snake == "" {
		return ""
	}
	return snake + ":"
}

func toSnake(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(runes) + len(runes)/2)

	pendingUnderscore := false
	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					pendingUnderscore = true
				}
			}
			r = unicode.ToLower(r)
		case unicode.IsDigit(r):
			if i > 0 && !unicode.IsDigit(runes[i-1]) {
				pendingUnderscore = true
			}
		case unicode.IsLower(r):
		default:
			pendingUnderscore = true
			continue
		}

		if pendingUnderscore && b.Len() > 0 {
			b.WriteByte('_')
		}
		pendingUnderscore = false
		b.WriteRune(r)
	}

	return b.String()
}
