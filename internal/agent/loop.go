// Package agent implements the MCP-driven agent executor: an
// iterative tool-calling loop that drives a chat-capable model through
// the mail gateway's MCP tool surface until it produces a final answer
// or the iteration cap is reached.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/textfortress/mailgw/internal/llm"
	"github.com/textfortress/mailgw/internal/mcp"
	"github.com/textfortress/mailgw/internal/modelconfig"
	"github.com/textfortress/mailgw/internal/sampler"
)

// defaultMaxIterations mirrors spec.md §4.8 step 5: the loop gives up
// and reports failure rather than running forever.
const defaultMaxIterations = 1000

// defaultProvider and defaultModel are used when no ai_model_configurations
// row exists for the tool_calling role and the caller didn't override them.
const (
	defaultProvider = "ollama"
	defaultModel    = "llama3.1"
)

// Request is one task handed to the executor.
type Request struct {
	// Instruction is the natural-language task for the model to carry
	// out using the MCP tool surface.
	Instruction string

	// AccountID, if set, is bound to the task's port state so tool
	// calls that omit account_id default to it, and is mentioned to
	// the model as an "account hint" line per spec.md §4.8 step 1.
	AccountID string
}

// ActionTaken records one tool call the executor made on the model's
// behalf, for the caller to audit or display.
type ActionTaken struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Result is the outcome of one Run call.
type Result struct {
	Success       bool           `json:"success"`
	FinalResponse string         `json:"final_response,omitempty"`
	ActionsTaken  []ActionTaken  `json:"actions_taken"`
	Iterations    int            `json:"iterations"`
	Error         string         `json:"error,omitempty"`
}

// ModelConfigStore resolves which provider/model serves the tool_calling
// role. Satisfied by *modelconfig.Store; nil is legal and falls
// through to defaultProvider/defaultModel.
type ModelConfigStore interface {
	Get(ctx context.Context, role string) (modelconfig.Config, error)
}

// SamplerStore resolves the sampler config for a (provider, model)
// pair. Satisfied by *sampler.Store; nil is legal and falls through to
// environment-variable and code defaults via sampler.FromEnvDefaults.
type SamplerStore interface {
	Get(ctx context.Context, provider, modelName string) (sampler.Config, error)
}

// Executor drives the iterative tool-calling loop described in
// spec.md §4.8. Tool calls are executed in-process against the MCP
// dispatcher, never over the wire — the executor is one more caller of
// Dispatcher.Dispatch, the same entry point stdio and HTTP transports
// use.
type Executor struct {
	logger     *slog.Logger
	dispatcher *mcp.Dispatcher
	registry   *mcp.Registry
	llmClient  llm.Client

	modelConfig ModelConfigStore
	samplers    SamplerStore

	defaultProvider string
	defaultModel    string
	maxIterations   int
}

// Option configures an Executor at construction.
type Option func(*Executor)

// WithModelConfigStore supplies the per-role provider/model lookup.
func WithModelConfigStore(s ModelConfigStore) Option {
	return func(e *Executor) { e.modelConfig = s }
}

// WithSamplerStore supplies the per-(provider,model) sampler lookup.
func WithSamplerStore(s SamplerStore) Option {
	return func(e *Executor) { e.samplers = s }
}

// WithDefaults overrides the provider/model used when no
// ai_model_configurations row exists for the tool_calling role.
func WithDefaults(provider, model string) Option {
	return func(e *Executor) {
		if provider != "" {
			e.defaultProvider = provider
		}
		if model != "" {
			e.defaultModel = model
		}
	}
}

// WithMaxIterations overrides the default iteration cap (1000). A
// value <= 0 is ignored.
func WithMaxIterations(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

// NewExecutor builds an agent executor over dispatcher (which owns the
// tool registry and the per-account connection pools) and an LLM client.
func NewExecutor(logger *slog.Logger, dispatcher *mcp.Dispatcher, registry *mcp.Registry, llmClient llm.Client, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		logger:          logger,
		dispatcher:      dispatcher,
		registry:        registry,
		llmClient:       llmClient,
		defaultProvider: defaultProvider,
		defaultModel:    defaultModel,
		maxIterations:   defaultMaxIterations,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// toolDescriptors converts the MCP tool registry into the wire shape
// llm.Client.Chat expects: one OpenAI-style function descriptor per
// registered tool, grounded in the "function calling" schema the
// ecosystem (and the teacher's own llm.Client) already assumes.
func (e *Executor) toolDescriptors() []map[string]any {
	names := e.registry.Names()
	descriptors := make([]map[string]any, 0, len(names))
	for _, name := range names {
		tool, ok := e.registry.Lookup(name)
		if !ok {
			continue
		}
		params := tool.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		descriptors = append(descriptors, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  params,
			},
		})
	}
	return descriptors
}

// resolveModel looks up the provider/model bound to the tool_calling
// role, falling back to the executor's configured defaults when no
// store is wired or no row exists yet.
func (e *Executor) resolveModel(ctx context.Context) (provider, model string) {
	if e.modelConfig == nil {
		return e.defaultProvider, e.defaultModel
	}
	cfg, err := e.modelConfig.Get(ctx, modelconfig.RoleToolCalling)
	if err != nil {
		if !errors.Is(err, modelconfig.ErrNotFound) {
			e.logger.Warn("model config lookup failed, using defaults", "error", err)
		}
		return e.defaultProvider, e.defaultModel
	}
	return cfg.Provider, cfg.ModelName
}

// resolveSampler resolves the sampler config for provider/model
// through the layered precedence chain described in spec.md §4.8 step
// 2 and SPEC_FULL.md §12: a stored override, then environment
// variables, then code defaults.
func (e *Executor) resolveSampler(ctx context.Context, provider, model string) sampler.Config {
	if e.samplers == nil {
		return sampler.FromEnvDefaults(provider, model)
	}
	cfg, err := e.samplers.Get(ctx, provider, model)
	if err != nil {
		if !errors.Is(err, sampler.ErrNotFound) {
			e.logger.Warn("sampler config lookup failed, using env/code defaults", "error", err)
		}
		return sampler.FromEnvDefaults(provider, model)
	}
	return cfg
}

// Run executes one task: it seeds the conversation with the
// instruction, calls the model, and executes any tool calls the model
// makes against the MCP dispatcher, repeating until the model returns
// a final answer with no tool calls or the iteration cap is reached.
func (e *Executor) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Instruction == "" {
		return nil, fmt.Errorf("agent: instruction must not be empty")
	}

	provider, model := e.resolveModel(ctx)
	samplerCfg := e.resolveSampler(ctx, provider, model)
	e.logger.Debug("resolved agent model",
		"provider", provider, "model", model,
		"temperature", samplerCfg.EffectiveTemperature(),
		"top_p", samplerCfg.EffectiveTopP(),
		"num_ctx", samplerCfg.EffectiveNumCtx(),
	)

	port := mcp.NewPortState()
	if req.AccountID != "" {
		port.SetSelection(req.AccountID, "")
	}

	seed := req.Instruction
	if req.AccountID != "" {
		seed = fmt.Sprintf("%s\n\nAccount: %s", req.Instruction, req.AccountID)
	}

	messages := []llm.Message{{Role: "user", Content: seed}}
	if samplerCfg.SystemPrompt != "" {
		messages = append([]llm.Message{{Role: "system", Content: samplerCfg.SystemPrompt}}, messages...)
	}

	tools := e.toolDescriptors()
	result := &Result{ActionsTaken: []ActionTaken{}}

	for iter := 1; iter <= e.maxIterations; iter++ {
		result.Iterations = iter

		resp, err := e.llmClient.Chat(ctx, model, messages, tools)
		if err != nil {
			return nil, fmt.Errorf("agent: model call failed on iteration %d: %w", iter, err)
		}

		if len(resp.Message.ToolCalls) == 0 {
			result.Success = true
			result.FinalResponse = resp.Message.Content
			return result, nil
		}

		messages = append(messages, resp.Message)

		for i, call := range resp.Message.ToolCalls {
			action := ActionTaken{ToolName: call.Function.Name, Arguments: call.Function.Arguments}

			rpcReq, err := mcp.NewRequest(mcp.NewID(int64(iter*1000+i)), call.Function.Name, call.Function.Arguments)
			if err != nil {
				action.Error = err.Error()
				result.ActionsTaken = append(result.ActionsTaken, action)
				messages = append(messages, toolResultMessage(call.ID, nil, err))
				continue
			}

			rpcResp := e.dispatcher.Dispatch(ctx, port, rpcReq)
			if rpcResp.Error != nil {
				toolErr := fmt.Errorf("%s", rpcResp.Error.Message)
				action.Error = rpcResp.Error.Message
				result.ActionsTaken = append(result.ActionsTaken, action)
				messages = append(messages, toolResultMessage(call.ID, nil, toolErr))
				continue
			}

			var decoded any
			_ = json.Unmarshal(rpcResp.Result, &decoded)
			action.Result = decoded
			result.ActionsTaken = append(result.ActionsTaken, action)
			messages = append(messages, toolResultMessage(call.ID, rpcResp.Result, nil))
		}
	}

	result.Success = false
	result.Error = "Maximum iterations exceeded"
	return result, nil
}

// toolResultMessage builds the "tool" role message fed back to the
// model after executing one tool call, per spec.md §4.8 step 3.
func toolResultMessage(toolCallID string, raw json.RawMessage, toolErr error) llm.Message {
	content := string(raw)
	if toolErr != nil {
		b, _ := json.Marshal(map[string]string{"error": toolErr.Error()})
		content = string(b)
	}
	if content == "" {
		content = "null"
	}
	return llm.Message{Role: "tool", Content: content, ToolCallID: toolCallID}
}
