// Package calculator provides a tool for evaluating arithmetic expressions.
package calculator

import (
	"context"
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"

	"github.com/corerun/corerun"
)

// Tool evaluates arithmetic expressions using Go's own expression grammar
// (+ - * / % and parentheses) so it needs no custom parser.
type Tool struct{}

// New creates a Tool.
func New() *Tool {
	return &Tool{}
}

func (t *Tool) Definitions() []corerun.ToolDefinition {
	return []corerun.ToolDefinition{{
		Name:        "calculator",
		Description: "Evaluate an arithmetic expression (+ - * / %, parentheses, decimals). Returns the numeric result.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string","description":"Arithmetic expression, e.g. (3 + 4) * 2"}},"required":["expression"]}`),
	}}
}

// Register adds this tool's descriptor to reg under the "calculator" name.
func (t *Tool) Register(reg *corerun.ToolRegistry) {
	reg.Add(corerun.ToolDescriptor{
		Definition: t.Definitions()[0],
		Execute:    t.Execute,
	})
}

func (t *Tool) Execute(_ context.Context, args json.RawMessage) (corerun.ToolResult, error) {
	var params struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return corerun.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Expression == "" {
		return corerun.ToolResult{Error: "expression is required"}, nil
	}

	expr, err := parser.ParseExpr(params.Expression)
	if err != nil {
		return corerun.ToolResult{Error: "invalid expression: " + err.Error()}, nil
	}

	result, err := evalExpr(expr)
	if err != nil {
		return corerun.ToolResult{Error: err.Error()}, nil
	}

	return corerun.ToolResult{Content: formatResult(result)}, nil
}

func evalExpr(e ast.Expr) (float64, error) {
	switch n := e.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return 0, fmt.Errorf("unsupported literal: %s", n.Value)
		}
		v, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number: %s", n.Value)
		}
		return v, nil

	case *ast.ParenExpr:
		return evalExpr(n.X)

	case *ast.UnaryExpr:
		x, err := evalExpr(n.X)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.SUB:
			return -x, nil
		case token.ADD:
			return x, nil
		default:
			return 0, fmt.Errorf("unsupported unary operator: %s", n.Op)
		}

	case *ast.BinaryExpr:
		x, err := evalExpr(n.X)
		if err != nil {
			return 0, err
		}
		y, err := evalExpr(n.Y)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return x + y, nil
		case token.SUB:
			return x - y, nil
		case token.MUL:
			return x * y, nil
		case token.QUO:
			if y == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return x / y, nil
		case token.REM:
			if y == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return float64(int64(x) % int64(y)), nil
		default:
			return 0, fmt.Errorf("unsupported operator: %s", n.Op)
		}

	default:
		return 0, fmt.Errorf("unsupported expression")
	}
}

func formatResult(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
