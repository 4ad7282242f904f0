package schema

import (
	"regexp"
	"strings"
)

// Identifier is a CQL identifier in its internal (case-exact, unquoted) form.
type Identifier string

var unquotedIdentifier = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// reservedKeywords can never be emitted bare even when they are lower case.
//
//nolint:gochecknoglobals // lookup table
var reservedKeywords = map[string]struct{}{
	"add": {}, "allow": {}, "alter": {}, "and": {}, "apply": {}, "asc": {}, "authorize": {},
	"batch": {}, "begin": {}, "by": {}, "columnfamily": {}, "create": {}, "delete": {},
	"desc": {}, "describe": {}, "drop": {}, "entries": {}, "execute": {}, "from": {},
	"full": {}, "grant": {}, "if": {}, "in": {}, "index": {}, "infinity": {}, "insert": {},
	"into": {}, "keyspace": {}, "limit": {}, "materialized": {}, "mbean": {}, "mbeans": {},
	"modify": {}, "nan": {}, "norecursive": {}, "not": {}, "null": {}, "of": {}, "on": {},
	"or": {}, "order": {}, "primary": {}, "rename": {}, "replace": {}, "revoke": {},
	"schema": {}, "select": {}, "set": {}, "table": {}, "to": {}, "token": {},
	"truncate": {}, "unlogged": {}, "unset": {}, "update": {}, "use": {}, "using": {},
	"view": {}, "where": {}, "with": {},
}

// ParseIdentifier converts an identifier as written in CQL text into its internal form.
// Double-quoted names keep their case and unescape doubled quotes, anything else is
// case-folded to lower case.
func ParseIdentifier(cql string) Identifier {
	cql = strings.TrimSpace(cql)
	if len(cql) >= 2 && cql[0] == '"' && cql[len(cql)-1] == '"' {
		return Identifier(strings.ReplaceAll(cql[1:len(cql)-1], `""`, `"`))
	}

	return Identifier(strings.ToLower(cql))
}

// CQL renders the identifier for use in a statement, quoting it only when required.
func (id Identifier) CQL() string {
	s := string(id)
	if unquotedIdentifier.MatchString(s) {
		if _, reserved := reservedKeywords[s]; !reserved {
			return s
		}
	}

	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func (id Identifier) String() string {
	return string(id)
}

// Lower returns the case-folded variant of the identifier.
func (id Identifier) Lower() Identifier {
	return Identifier(strings.ToLower(string(id)))
}

// JoinCQL renders identifiers with CQL quoting, separated by sep.
func JoinCQL(ids []Identifier, sep string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.CQL()
	}

	return strings.Join(parts, sep)
}
