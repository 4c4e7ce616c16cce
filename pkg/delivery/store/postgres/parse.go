package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/telemetry-sdk/pkg/delivery"
)

// Postgres truncates longer names silently.
const maxIdentLen = 63

// ParseIdentifier accepts "table" or "schema.table" made of unquoted identifier parts.
// Index names are derived from the table name, so quoting is not supported.
func ParseIdentifier(s string) (pgx.Identifier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, invalidConfig("table name is empty")
	}
	ident := pgx.Identifier(strings.Split(s, "."))
	if len(ident) > 2 {
		return nil, invalidConfig("table %q has more than a schema qualifier", s)
	}
	for i, part := range ident {
		ident[i] = strings.TrimSpace(part)
		if err := checkIdentPart(ident[i]); err != nil {
			return nil, invalidConfig("table %q: %v", s, err)
		}
	}
	return ident, nil
}

func checkIdentPart(p string) error {
	switch {
	case p == "":
		return fmt.Errorf("empty name part")
	case len(p) > maxIdentLen:
		return fmt.Errorf("name part %q is longer than %d bytes", p, maxIdentLen)
	case p[0] >= '0' && p[0] <= '9':
		return fmt.Errorf("name part %q starts with a digit", p)
	}
	for _, r := range p {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return fmt.Errorf("name part %q contains %q", p, r)
		}
	}
	return nil
}

// TableLabel is the dotted form used in logs and CLI output.
func TableLabel(table pgx.Identifier) string {
	return strings.Join(table, ".")
}

func invalidConfig(msg string, args ...any) error {
	return fmt.Errorf("%w: "+msg, append([]any{delivery.ErrInvalidConfig}, args...)...)
}
