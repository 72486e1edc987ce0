package values

import (
	"strconv"
	"strings"
)

// ParseIdiom parses a dotted/bracketed path like "address.city" or
// "tags[0].name" into an Idiom, generalizing the teacher's
// strings.Split(path, ".") dotted-field walk to also support array
// indices.
func ParseIdiom(path string) Idiom {
	var out Idiom
	for _, raw := range strings.Split(path, ".") {
		field := raw
		for {
			open := strings.IndexByte(field, '[')
			if open < 0 {
				if field != "" {
					out = append(out, IdiomPart{Field: field})
				}
				break
			}
			if open > 0 {
				out = append(out, IdiomPart{Field: field[:open]})
			}
			close := strings.IndexByte(field[open:], ']')
			if close < 0 {
				out = append(out, IdiomPart{Field: field})
				break
			}
			idxStr := field[open+1 : open+close]
			if idx, err := strconv.Atoi(idxStr); err == nil {
				out = append(out, IdiomPart{Index: &idx})
			}
			field = field[open+close+1:]
		}
	}
	return out
}

// Len returns the number of path segments.
func (idiom Idiom) Len() int { return len(idiom) }

// IsAuth reports whether idiom is exactly the special "auth" root used to
// bind the session's $auth value inside permission predicates (spec §4.9).
func (idiom Idiom) IsAuth() bool {
	return len(idiom) == 1 && idiom[0].Field == "auth"
}

// String renders an Idiom back into dotted/bracketed form.
func (idiom Idiom) String() string {
	var b strings.Builder
	for i, part := range idiom {
		if part.Index != nil {
			b.WriteByte('[')
			b.WriteString(strconv.Itoa(*part.Index))
			b.WriteByte(']')
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part.Field)
	}
	return b.String()
}
