package tagging

import (
	"fmt"
	"strings"
)

// UpdateStatement builds the one-shot classification UPDATE for the
// listings table. Each rule contributes one CASE arm with its pattern and
// label passed as parameters; unmatched arms yield NULL and are removed.
// Only rows whose tags are still NULL are touched.
func (rs *RuleSet) UpdateStatement() (string, []any) {
	arms := make([]string, 0, len(rs.rules))
	args := make([]any, 0, 2*len(rs.rules))

	for i, r := range rs.rules {
		p, l := 2*i+1, 2*i+2
		arms = append(arms, fmt.Sprintf(
			"CASE WHEN description ~* $%d THEN $%d::text ELSE NULL END", p, l))
		args = append(args, r.Pattern, r.Label)
	}

	sql := fmt.Sprintf(`UPDATE listings
SET tags = ARRAY_REMOVE(ARRAY[%s]::text[], NULL)
WHERE tags IS NULL`, strings.Join(arms, ",\n\t"))

	return sql, args
}
