// Package sqlinfo classifies statement text for telemetry labels and
// read/write routing hints. It never rewrites a statement.
package sqlinfo

import (
	"strings"

	"github.com/xwb1989/sqlparser"
)

// StatementKind is the coarse statement category.
type StatementKind int

const (
	StatementOther StatementKind = iota
	StatementSelect
	StatementInsert
	StatementUpdate
	StatementDelete
)

func (k StatementKind) String() string {
	switch k {
	case StatementSelect:
		return "select"
	case StatementInsert:
		return "insert"
	case StatementUpdate:
		return "update"
	case StatementDelete:
		return "delete"
	default:
		return "other"
	}
}

// IsRead reports whether the statement only reads.
func (k StatementKind) IsRead() bool { return k == StatementSelect }

// Classify parses the statement and returns its kind. Text the parser does
// not understand (DDL dialect quirks, key-value commands) falls back to a
// leading-keyword match.
func Classify(sql string) StatementKind {
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return classifyByKeyword(sql)
	}

	switch stmt.(type) {
	case *sqlparser.Select:
		return StatementSelect
	case *sqlparser.Insert:
		return StatementInsert
	case *sqlparser.Update:
		return StatementUpdate
	case *sqlparser.Delete:
		return StatementDelete
	case *sqlparser.Union:
		return StatementSelect
	default:
		return StatementOther
	}
}

func classifyByKeyword(sql string) StatementKind {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return StatementOther
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "GET", "MGET", "HGETALL":
		return StatementSelect
	case "INSERT", "SET", "HSET":
		return StatementInsert
	case "UPDATE":
		return StatementUpdate
	case "DELETE", "DEL":
		return StatementDelete
	default:
		return StatementOther
	}
}
