package adapter

import (
	"strings"

	"github.com/crosspool/crosspool/internal/dberr"
	"github.com/crosspool/crosspool/pkg/dbvalue"
)

// bindNamed resolves @name placeholders in statement text against the
// parameter bundle. When rewrite is non-nil each placeholder is replaced by
// rewrite(ordinal) (1-based) and values are returned positionally; otherwise
// the text is left untouched and names are returned alongside their values.
//
// Binding errors: a placeholder with no matching parameter, and a parameter
// that no placeholder references.
func bindNamed(sql string, params dbvalue.Params, rewrite func(int) string) (string, []string, []dbvalue.Value, error) {
	var (
		out     strings.Builder
		names   []string
		values  []dbvalue.Value
		ordinal = 0
		used    = make(map[string]bool, len(params))
	)

	i := 0
	for i < len(sql) {
		c := sql[i]

		// Skip string literals and quoted identifiers verbatim.
		if c == '\'' || c == '"' || c == '`' {
			j := i + 1
			for j < len(sql) && sql[j] != c {
				j++
			}
			if j < len(sql) {
				j++
			}
			out.WriteString(sql[i:j])
			i = j
			continue
		}

		if c == '@' && i+1 < len(sql) && isIdentStart(sql[i+1]) {
			j := i + 1
			for j < len(sql) && isIdentPart(sql[j]) {
				j++
			}
			name := sql[i+1 : j]
			v, ok := params[name]
			if !ok {
				return "", nil, nil, dberr.ParameterBinding("statement references parameter @%s which is not in the bundle", name)
			}
			used[name] = true
			ordinal++
			if rewrite != nil {
				out.WriteString(rewrite(ordinal))
			} else {
				out.WriteString(sql[i:j])
			}
			names = append(names, name)
			values = append(values, v)
			i = j
			continue
		}

		out.WriteByte(c)
		i++
	}

	for name := range params {
		if !used[name] {
			return "", nil, nil, dberr.ParameterBinding("parameter %q is not referenced by the statement", name)
		}
	}

	return out.String(), names, values, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
