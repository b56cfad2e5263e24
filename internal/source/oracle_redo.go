package source

import (
	"fmt"
	"strconv"
	"strings"
)

// redoChange is the parsed form of one LogMiner SQL_REDO statement.
type redoChange struct {
	Owner  string
	Table  string
	Before map[string]any
	After  map[string]any
}

// parseRedo parses the redo statements LogMiner reconstructs for INSERT,
// UPDATE and DELETE. The statements follow a rigid shape with quoted
// identifiers and literal values:
//
//	insert into "OWNER"."T"("C1","C2") values ('v',1);
//	update "OWNER"."T" set "C1" = 'v' where "C1" = 'o' and "C2" = 1;
//	delete from "OWNER"."T" where "C1" = 'v' and "C2" IS NULL;
func parseRedo(stmt string) (op string, change redoChange, err error) {
	p := &redoParser{input: strings.TrimSpace(stmt)}

	keyword := strings.ToLower(p.peekWord())
	switch keyword {
	case "insert":
		change, err = p.parseInsert()
		return opCreate, change, err
	case "update":
		change, err = p.parseUpdate()
		return opUpdate, change, err
	case "delete":
		change, err = p.parseDelete()
		return opDelete, change, err
	default:
		return "", redoChange{}, fmt.Errorf("unsupported redo statement %q", keyword)
	}
}

type redoParser struct {
	input string
	pos   int
}

func (p *redoParser) parseInsert() (redoChange, error) {
	var c redoChange
	if err := p.expectWords("insert", "into"); err != nil {
		return c, err
	}
	var err error
	if c.Owner, c.Table, err = p.parseTableRef(); err != nil {
		return c, err
	}

	if !p.consume("(") {
		return c, p.errorf("expected column list")
	}
	var columns []string
	for {
		col, err := p.parseQuotedIdent()
		if err != nil {
			return c, err
		}
		columns = append(columns, col)
		if p.consume(",") {
			continue
		}
		if p.consume(")") {
			break
		}
		return c, p.errorf("malformed column list")
	}

	if err := p.expectWords("values"); err != nil {
		return c, err
	}
	if !p.consume("(") {
		return c, p.errorf("expected values list")
	}
	c.After = make(map[string]any, len(columns))
	for i := 0; ; i++ {
		value, err := p.parseValue()
		if err != nil {
			return c, err
		}
		if i >= len(columns) {
			return c, p.errorf("more values than columns")
		}
		c.After[columns[i]] = value
		if p.consume(",") {
			continue
		}
		if p.consume(")") {
			break
		}
		return c, p.errorf("malformed values list")
	}
	return c, nil
}

func (p *redoParser) parseUpdate() (redoChange, error) {
	var c redoChange
	if err := p.expectWords("update"); err != nil {
		return c, err
	}
	var err error
	if c.Owner, c.Table, err = p.parseTableRef(); err != nil {
		return c, err
	}
	if err := p.expectWords("set"); err != nil {
		return c, err
	}

	c.After = make(map[string]any)
	for {
		col, err := p.parseQuotedIdent()
		if err != nil {
			return c, err
		}
		if !p.consume("=") {
			return c, p.errorf("expected '=' in set clause")
		}
		value, err := p.parseValue()
		if err != nil {
			return c, err
		}
		c.After[col] = value
		if p.consume(",") {
			continue
		}
		break
	}

	before, err := p.parseWhere()
	if err != nil {
		return c, err
	}
	c.Before = before

	// Columns absent from the where clause keep their updated value in the
	// before image; LogMiner only reconstructs what the redo carries.
	for col, value := range c.After {
		if _, ok := c.Before[col]; !ok {
			c.Before[col] = value
		}
	}
	// Columns untouched by the set clause keep their old value in the after
	// image.
	for col, value := range c.Before {
		if _, ok := c.After[col]; !ok {
			c.After[col] = value
		}
	}
	return c, nil
}

func (p *redoParser) parseDelete() (redoChange, error) {
	var c redoChange
	if err := p.expectWords("delete", "from"); err != nil {
		return c, err
	}
	var err error
	if c.Owner, c.Table, err = p.parseTableRef(); err != nil {
		return c, err
	}
	if c.Before, err = p.parseWhere(); err != nil {
		return c, err
	}
	return c, nil
}

// parseWhere reads `where "C" = v and "C2" IS NULL ...` into a column map.
func (p *redoParser) parseWhere() (map[string]any, error) {
	row := make(map[string]any)
	if !p.consumeWord("where") {
		return row, nil
	}
	for {
		col, err := p.parseQuotedIdent()
		if err != nil {
			return nil, err
		}
		if p.consumeWord("is") {
			if !p.consumeWord("null") {
				return nil, p.errorf("expected NULL after IS")
			}
			row[col] = nil
		} else {
			if !p.consume("=") {
				return nil, p.errorf("expected '=' in where clause")
			}
			value, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			row[col] = value
		}
		if p.consumeWord("and") {
			continue
		}
		break
	}
	return row, nil
}

func (p *redoParser) parseTableRef() (owner, table string, err error) {
	owner, err = p.parseQuotedIdent()
	if err != nil {
		return "", "", err
	}
	if !p.consume(".") {
		// Unqualified reference: the single identifier is the table.
		return "", owner, nil
	}
	table, err = p.parseQuotedIdent()
	return owner, table, err
}

// parseValue reads a literal: string, number, NULL, or a conversion call
// like TO_DATE('...','...') whose first string argument is kept.
func (p *redoParser) parseValue() (any, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, p.errorf("unexpected end of statement")
	}

	switch ch := p.input[p.pos]; {
	case ch == '\'':
		return p.parseString()
	case ch == '-' || (ch >= '0' && ch <= '9'):
		return p.parseNumber()
	default:
		word := p.peekWord()
		if strings.EqualFold(word, "null") {
			p.consumeWord("null")
			return nil, nil
		}
		if word != "" {
			return p.parseConversion(word)
		}
		return nil, p.errorf("unparseable value")
	}
}

// parseConversion handles TO_DATE / TO_TIMESTAMP / similar wrappers by
// extracting the first string argument; the normalizer parses it from the
// declared column type.
func (p *redoParser) parseConversion(word string) (any, error) {
	p.consumeWord(word)
	if !p.consume("(") {
		return nil, p.errorf("expected '(' after %s", word)
	}
	first, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	depth := 1
	for p.pos < len(p.input) && depth > 0 {
		switch p.input[p.pos] {
		case '(':
			depth++
		case ')':
			depth--
		case '\'':
			if _, err := p.parseString(); err != nil {
				return nil, err
			}
			continue
		}
		p.pos++
	}
	return first, nil
}

func (p *redoParser) parseString() (string, error) {
	p.skipSpace()
	if p.pos >= len(p.input) || p.input[p.pos] != '\'' {
		return "", p.errorf("expected string literal")
	}
	p.pos++
	var sb strings.Builder
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if ch == '\'' {
			if p.pos+1 < len(p.input) && p.input[p.pos+1] == '\'' {
				sb.WriteByte('\'')
				p.pos += 2
				continue
			}
			p.pos++
			return sb.String(), nil
		}
		sb.WriteByte(ch)
		p.pos++
	}
	return "", p.errorf("unterminated string literal")
}

func (p *redoParser) parseNumber() (any, error) {
	p.skipSpace()
	start := p.pos
	if p.pos < len(p.input) && p.input[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if (ch >= '0' && ch <= '9') || ch == '.' || ch == 'e' || ch == 'E' || ch == '+' {
			p.pos++
			continue
		}
		break
	}
	text := p.input[start:p.pos]
	if !strings.ContainsAny(text, ".eE") {
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return n, nil
		}
		// Out-of-range integers stay textual; the normalizer routes them
		// through the decimal rules.
		return text, nil
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return f, nil
	}
	return text, nil
}

func (p *redoParser) parseQuotedIdent() (string, error) {
	p.skipSpace()
	if p.pos >= len(p.input) || p.input[p.pos] != '"' {
		// LogMiner always quotes, but tolerate bare identifiers.
		word := p.peekWord()
		if word == "" {
			return "", p.errorf("expected identifier")
		}
		p.consumeWord(word)
		return word, nil
	}
	p.pos++
	var sb strings.Builder
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if ch == '"' {
			if p.pos+1 < len(p.input) && p.input[p.pos+1] == '"' {
				sb.WriteByte('"')
				p.pos += 2
				continue
			}
			p.pos++
			return sb.String(), nil
		}
		sb.WriteByte(ch)
		p.pos++
	}
	return "", p.errorf("unterminated identifier")
}

func (p *redoParser) expectWords(words ...string) error {
	for _, w := range words {
		if !p.consumeWord(w) {
			return p.errorf("expected %q", w)
		}
	}
	return nil
}

func (p *redoParser) peekWord() string {
	p.skipSpace()
	end := p.pos
	for end < len(p.input) {
		ch := p.input[end]
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '_' || ch == '$' {
			end++
			continue
		}
		break
	}
	return p.input[p.pos:end]
}

func (p *redoParser) consumeWord(word string) bool {
	if strings.EqualFold(p.peekWord(), word) {
		p.skipSpace()
		p.pos += len(word)
		return true
	}
	return false
}

func (p *redoParser) consume(token string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.input[p.pos:], token) {
		p.pos += len(token)
		return true
	}
	return false
}

func (p *redoParser) skipSpace() {
	for p.pos < len(p.input) {
		switch p.input[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *redoParser) errorf(format string, args ...any) error {
	return fmt.Errorf("redo parse at offset %d: %s", p.pos, fmt.Sprintf(format, args...))
}
