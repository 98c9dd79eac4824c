// Package execcode wires C11's sandbox resolver to a corerun.CodeRunner: it
// exposes "execute_code" as an ordinary tool whose args name the project
// whose sandbox the code should run in, so a registry-level tool dispatch
// never needs run-scoped context threading.
package execcode

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/corerun/corerun"
)

// Tool dispatches LLM-authored code to the sandbox bound to the calling
// project, resolving (and, if needed, provisioning) that sandbox through a
// ResourceResolver before handing the request to a CodeRunner.
type Tool struct {
	resolver *corerun.ResourceResolver
	runner   corerun.CodeRunner
	registry *corerun.ToolRegistry
}

// New creates an execcode Tool. registry is the same ToolRegistry the tool
// will itself register into; call_tool() from inside running code routes
// back through it, so registry must already hold every other tool by the
// time Execute runs (registration order, not construction order, decides
// this — Register only stores a closure over registry).
func New(resolver *corerun.ResourceResolver, runner corerun.CodeRunner, registry *corerun.ToolRegistry) *Tool {
	return &Tool{resolver: resolver, runner: runner, registry: registry}
}

func (t *Tool) Definition() corerun.ToolDefinition {
	return corerun.ToolDefinition{
		Name:        "execute_code",
		Description: "Execute Python code inside the project's sandbox. Use call_tool(name, args) from within the code to invoke other available tools. Call set_result(value) to return structured output.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"code":{"type":"string","description":"Python source to execute"},
			"project_id":{"type":"string","description":"Project whose sandbox the code should run in"},
			"account_id":{"type":"string","description":"Owning account, used to provision a sandbox if none exists yet"},
			"session_id":{"type":"string","description":"Optional: reuse the same sandbox workspace across calls"}
		},"required":["code","project_id","account_id"]}`),
	}
}

// Register adds this tool's descriptor to reg under the "execute_code" name.
func (t *Tool) Register(reg *corerun.ToolRegistry) {
	reg.Add(corerun.ToolDescriptor{
		Definition: t.Definition(),
		Execute:    t.Execute,
	})
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (corerun.ToolResult, error) {
	var params struct {
		Code      string `json:"code"`
		ProjectID string `json:"project_id"`
		AccountID string `json:"account_id"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return corerun.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Code == "" || params.ProjectID == "" || params.AccountID == "" {
		return corerun.ToolResult{Error: "code, project_id and account_id are required"}, nil
	}

	sandbox, err := t.resolver.Resolve(ctx, params.AccountID, params.ProjectID)
	if err != nil {
		return corerun.ToolResult{Error: fmt.Sprintf("resolve sandbox: %v", err)}, nil
	}

	result, err := t.runner.Run(ctx, corerun.CodeRequest{
		Code:       params.Code,
		Runtime:    "python",
		SessionID:  params.SessionID,
		SandboxURL: sandbox.PreviewURL,
	}, t.dispatch)
	if err != nil {
		return corerun.ToolResult{Error: fmt.Sprintf("execute: %v", err)}, nil
	}
	if result.Error != "" {
		return corerun.ToolResult{Content: result.Output, Error: result.Error}, nil
	}
	return corerun.ToolResult{Content: result.Output}, nil
}

// dispatch bridges call_tool() from inside running code back to the shared
// registry, so code execution composes with every other registered tool.
func (t *Tool) dispatch(ctx context.Context, tc corerun.ToolCall) corerun.DispatchResult {
	result, err := t.registry.Execute(ctx, tc.Name, tc.Args)
	if err != nil {
		return corerun.DispatchResult{Content: err.Error(), IsError: true}
	}
	if result.Error != "" {
		return corerun.DispatchResult{Content: result.Error, IsError: true}
	}
	return corerun.DispatchResult{Content: result.Content}
}
