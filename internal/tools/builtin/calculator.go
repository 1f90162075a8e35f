// Package builtin provides the tools shipped with the runtime: an
// arithmetic calculator, a date-time helper, and a guarded HTTP client.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// CalculatorSpec describes the calculator tool.
func CalculatorSpec() models.ToolSpec {
	return models.ToolSpec{
		ID:          "calculator",
		Name:        "calculator",
		Description: "Evaluates an arithmetic expression with +, -, *, /, %, parentheses, and unary minus.",
		Category:    "utility",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"expression": {"type": "string", "minLength": 1, "description": "Expression to evaluate, e.g. \"15 + 27\""}
			},
			"required": ["expression"],
			"additionalProperties": false
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"value": {"type": "number"}},
			"required": ["value"]
		}`),
		RiskLevel:      models.RiskLow,
		SupportsDryRun: true,
	}
}

// Calculator evaluates arithmetic expressions. It performs no I/O and is
// deterministic for identical input.
type Calculator struct{}

type calculatorInput struct {
	Expression string `json:"expression"`
}

// Execute implements tools.Handler.
func (Calculator) Execute(_ context.Context, input json.RawMessage, _ *tools.Context) (any, error) {
	var in calculatorInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	value, err := evalExpression(in.Expression)
	if err != nil {
		return nil, err
	}
	return map[string]any{"value": value}, nil
}

// DryRun implements tools.DryRunner. Evaluation is side-effect-free, so a
// dry run parses and evaluates exactly like execute.
func (c Calculator) DryRun(ctx context.Context, input json.RawMessage, tctx *tools.Context) (any, error) {
	return c.Execute(ctx, input, tctx)
}

// evalExpression parses and evaluates with a recursive-descent grammar:
//
//	expr   := term (('+'|'-') term)*
//	term   := factor (('*'|'/'|'%') factor)*
//	factor := number | '(' expr ')' | '-' factor
func evalExpression(expression string) (float64, error) {
	p := &exprParser{input: expression}
	value, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	if math.IsInf(value, 0) || math.IsNaN(value) {
		return 0, fmt.Errorf("expression does not evaluate to a finite number")
	}
	return value, nil
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpaces() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpaces()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) parseExpr() (float64, error) {
	value, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			rhs, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			value += rhs
		case '-':
			p.pos++
			rhs, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			value -= rhs
		default:
			return value, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	value, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			rhs, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			value *= rhs
		case '/':
			p.pos++
			rhs, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			value /= rhs
		case '%':
			p.pos++
			rhs, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}
			value = math.Mod(value, rhs)
		default:
			return value, nil
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	switch c := p.peek(); {
	case c == '-':
		p.pos++
		value, err := p.parseFactor()
		return -value, err
	case c == '(':
		p.pos++
		value, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return value, nil
	case c >= '0' && c <= '9' || c == '.':
		return p.parseNumber()
	case c == 0:
		return 0, fmt.Errorf("unexpected end of expression")
	default:
		return 0, fmt.Errorf("unexpected character %q at position %d", c, p.pos)
	}
}

func (p *exprParser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c >= '0' && c <= '9' || c == '.' {
			p.pos++
			continue
		}
		break
	}
	literal := p.input[start:p.pos]
	if strings.Count(literal, ".") > 1 {
		return 0, fmt.Errorf("invalid number %q", literal)
	}
	value, err := strconv.ParseFloat(literal, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", literal)
	}
	return value, nil
}
