package calculator

import (
	"context"
	"encoding/json"
	"testing"
)

func TestCalculatorAdd(t *testing.T) {
	tool := New()
	args, _ := json.Marshal(map[string]any{"expression": "3 + 4"})
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if result.Content != "7" {
		t.Errorf("expected '7', got %q", result.Content)
	}
}

func TestCalculatorPrecedenceAndParens(t *testing.T) {
	tool := New()
	args, _ := json.Marshal(map[string]any{"expression": "(3 + 4) * 2"})
	result, _ := tool.Execute(context.Background(), args)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if result.Content != "14" {
		t.Errorf("expected '14', got %q", result.Content)
	}
}

func TestCalculatorDecimal(t *testing.T) {
	tool := New()
	args, _ := json.Marshal(map[string]any{"expression": "10 / 4"})
	result, _ := tool.Execute(context.Background(), args)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if result.Content != "2.5" {
		t.Errorf("expected '2.5', got %q", result.Content)
	}
}

func TestCalculatorDivisionByZero(t *testing.T) {
	tool := New()
	args, _ := json.Marshal(map[string]any{"expression": "1 / 0"})
	result, _ := tool.Execute(context.Background(), args)
	if result.Error == "" {
		t.Error("expected division by zero error")
	}
}

func TestCalculatorModulo(t *testing.T) {
	tool := New()
	args, _ := json.Marshal(map[string]any{"expression": "17 % 5"})
	result, _ := tool.Execute(context.Background(), args)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if result.Content != "2" {
		t.Errorf("expected '2', got %q", result.Content)
	}
}

func TestCalculatorNegative(t *testing.T) {
	tool := New()
	args, _ := json.Marshal(map[string]any{"expression": "-5 + 2"})
	result, _ := tool.Execute(context.Background(), args)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if result.Content != "-3" {
		t.Errorf("expected '-3', got %q", result.Content)
	}
}

func TestCalculatorInvalidExpression(t *testing.T) {
	tool := New()
	args, _ := json.Marshal(map[string]any{"expression": "3 + * 4"})
	result, _ := tool.Execute(context.Background(), args)
	if result.Error == "" {
		t.Error("expected invalid expression error")
	}
}

func TestCalculatorEmptyExpression(t *testing.T) {
	tool := New()
	args, _ := json.Marshal(map[string]any{"expression": ""})
	result, _ := tool.Execute(context.Background(), args)
	if result.Error == "" {
		t.Error("expected error for empty expression")
	}
}

func TestCalculatorUnsupportedCall(t *testing.T) {
	tool := New()
	args, _ := json.Marshal(map[string]any{"expression": "sqrt(4)"})
	result, _ := tool.Execute(context.Background(), args)
	if result.Error == "" {
		t.Error("expected error for unsupported call expression")
	}
}

func TestCalculatorDefinitions(t *testing.T) {
	tool := New()
	defs := tool.Definitions()
	if len(defs) != 1 {
		t.Fatalf("expected 1 definition, got %d", len(defs))
	}
	if defs[0].Name != "calculator" {
		t.Errorf("expected 'calculator', got %q", defs[0].Name)
	}
}
