// Package approval provides the MCP server the agent calls for permission
// before running a tool. One endpoint serves every conversation: the
// conversation id is the last path segment of the URL the agent was given.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/opencode-ai/agentrelay/internal/agent"
	"github.com/opencode-ai/agentrelay/internal/logging"
	"github.com/opencode-ai/agentrelay/internal/permission"
)

// ToolName is the tool the agent is told to call. Its fully qualified name
// is agent.ApprovalToolName.
const ToolName = "approval_prompt"

// Behaviors of a permission result.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Result is the JSON text returned to the agent.
type Result struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// Checker decides a tool call for a conversation. agent.ToolApprovals
// implements it.
type Checker interface {
	Check(ctx context.Context, conversationID, toolName string, input json.RawMessage) (bool, error)
}

type conversationKey struct{}

// WithConversation returns ctx carrying the conversation a call belongs to.
func WithConversation(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationKey{}, conversationID)
}

// ConversationFrom returns the conversation stored by WithConversation.
func ConversationFrom(ctx context.Context) string {
	id, _ := ctx.Value(conversationKey{}).(string)
	return id
}

// NewServer creates the MCP server with the approval tool.
func NewServer(checker Checker) *server.MCPServer {
	s := server.NewMCPServer(
		"relay",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	tool := mcp.NewTool(ToolName,
		mcp.WithDescription("Asks the chat users whether a tool call may run"),
		mcp.WithString("tool_name",
			mcp.Required(),
			mcp.Description("Name of the tool requesting permission"),
		),
		mcp.WithObject("input",
			mcp.Required(),
			mcp.Description("Input of the tool call"),
		),
		mcp.WithString("tool_use_id",
			mcp.Description("Id of the tool call"),
		),
	)

	s.AddTool(tool, handler(checker))
	return s
}

// NewHandler serves the approval tool over streamable HTTP. It is meant to
// be mounted at /mcp/{conversationID}. Calls are answered on the POST that
// made them, so the GET notification stream is disabled.
func NewHandler(checker Checker) http.Handler {
	return server.NewStreamableHTTPServer(NewServer(checker),
		server.WithStateLess(true),
		server.WithDisableStreaming(true),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return WithConversation(ctx, chi.URLParam(r, "conversationID"))
		}),
	)
}

func handler(checker Checker) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conversationID := ConversationFrom(ctx)
		if conversationID == "" {
			return mcp.NewToolResultError("no conversation in request URL"), nil
		}

		toolName := request.GetString("tool_name", "")
		if toolName == "" {
			return mcp.NewToolResultError("tool_name argument is required"), nil
		}

		input := json.RawMessage("{}")
		if v, ok := request.GetArguments()["input"]; ok && v != nil {
			raw, err := json.Marshal(v)
			if err != nil {
				return mcp.NewToolResultErrorFromErr("invalid input", err), nil
			}
			input = raw
		}

		approved, err := checker.Check(ctx, conversationID, toolName, input)
		res := decide(approved, err, toolName, input)

		logging.Debug().
			Str("conversation", conversationID).
			Str("tool", toolName).
			Str("toolUseID", request.GetString("tool_use_id", "")).
			Str("behavior", res.Behavior).
			Msg("permission prompt answered")

		text, err := json.Marshal(res)
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(text)), nil
	}
}

// decide maps a check outcome to the agent's permission result. Anything
// but a clean approval is a denial.
func decide(approved bool, err error, toolName string, input json.RawMessage) Result {
	if err == nil && approved {
		return Result{Behavior: BehaviorAllow, UpdatedInput: input}
	}

	var rej *permission.RejectedError
	switch {
	case errors.As(err, &rej):
		return Result{Behavior: BehaviorDeny, Message: rej.Error()}
	case errors.Is(err, agent.ErrNoActiveTurn):
		return Result{Behavior: BehaviorDeny, Message: "no turn is running for this conversation"}
	case err != nil:
		return Result{Behavior: BehaviorDeny, Message: err.Error()}
	default:
		return Result{Behavior: BehaviorDeny, Message: "permission to use " + toolName + " was denied"}
	}
}
