// Copyright 2026 The Causeway Authors
// SPDX-License-Identifier: Apache-2.0

package migrate

import "strings"

// SplitStatements splits a SQL script into individual statements on
// semicolons, ignoring semicolons that appear inside single-quoted or
// double-quoted literals, line comments (-- ...), and block comments
// (/* ... */). SQL escapes a quote inside a literal by doubling it
// ('it''s'), which this handles by re-entering the literal on the
// second quote.
//
// Empty statements (stretches of whitespace or comments between
// semicolons) are dropped.
func SplitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	const (
		stateDefault = iota
		stateSingleQuote
		stateDoubleQuote
		stateLineComment
		stateBlockComment
	)

	state := stateDefault
	runes := []rune(script)

	flush := func() {
		statement := strings.TrimSpace(current.String())
		current.Reset()
		if statement == "" || commentOnly(statement) {
			return
		}
		statements = append(statements, statement)
	}

	for index := 0; index < len(runes); index++ {
		character := runes[index]

		switch state {
		case stateDefault:
			switch {
			case character == ';':
				flush()
				continue
			case character == '\'':
				state = stateSingleQuote
			case character == '"':
				state = stateDoubleQuote
			case character == '-' && index+1 < len(runes) && runes[index+1] == '-':
				state = stateLineComment
			case character == '/' && index+1 < len(runes) && runes[index+1] == '*':
				state = stateBlockComment
			}
		case stateSingleQuote:
			// A doubled quote is an escaped quote; the second one
			// re-enters the literal, so falling back to default and
			// immediately returning works without lookahead.
			if character == '\'' {
				state = stateDefault
			}
		case stateDoubleQuote:
			if character == '"' {
				state = stateDefault
			}
		case stateLineComment:
			if character == '\n' {
				state = stateDefault
			}
		case stateBlockComment:
			if character == '*' && index+1 < len(runes) && runes[index+1] == '/' {
				current.WriteRune(character)
				index++
				character = runes[index]
				state = stateDefault
			}
		}

		current.WriteRune(character)
	}

	flush()
	return statements
}

// commentOnly reports whether a statement chunk contains nothing but
// SQL comments and whitespace. Such chunks (a trailing "-- done", a
// header block comment followed by a semicolon) are not statements and
// must not reach the database.
func commentOnly(statement string) bool {
	remaining := strings.TrimSpace(statement)
	for remaining != "" {
		switch {
		case strings.HasPrefix(remaining, "--"):
			newline := strings.IndexByte(remaining, '\n')
			if newline < 0 {
				return true
			}
			remaining = strings.TrimSpace(remaining[newline+1:])
		case strings.HasPrefix(remaining, "/*"):
			end := strings.Index(remaining, "*/")
			if end < 0 {
				return true
			}
			remaining = strings.TrimSpace(remaining[end+2:])
		default:
			return false
		}
	}
	return true
}
