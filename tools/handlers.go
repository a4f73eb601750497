package tools

import (
	"context"
	"encoding/json"

	"github.com/flowgate/n8n-mcp-gateway/n8n"
)

// Argument structs double as the source of the reflected input schemas.
// jsonschema tags describe fields; pointers and omitempty mark optionals.

type listWorkflowsArgs struct {
	Active *bool  `json:"active,omitempty" jsonschema:"description=Filter by active state"`
	Tags   string `json:"tags,omitempty" jsonschema:"description=Comma-separated tag names to filter by"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of workflows to return"`
	Cursor string `json:"cursor,omitempty" jsonschema:"description=Pagination cursor from a previous page"`
}

type workflowIDArgs struct {
	ID string `json:"id" jsonschema:"minLength=1,description=Workflow ID"`
}

type createWorkflowArgs struct {
	Name        string           `json:"name" jsonschema:"minLength=1,description=Workflow name"`
	Nodes       []map[string]any `json:"nodes,omitempty" jsonschema:"description=Workflow node definitions"`
	Connections map[string]any   `json:"connections,omitempty" jsonschema:"description=Connections between nodes"`
	Settings    map[string]any   `json:"settings,omitempty" jsonschema:"description=Workflow settings"`
}

type updateWorkflowArgs struct {
	ID          string           `json:"id" jsonschema:"minLength=1,description=Workflow ID"`
	Name        string           `json:"name,omitempty" jsonschema:"description=New workflow name"`
	Nodes       []map[string]any `json:"nodes,omitempty" jsonschema:"description=Replacement node definitions"`
	Connections map[string]any   `json:"connections,omitempty" jsonschema:"description=Replacement connections"`
	Settings    map[string]any   `json:"settings,omitempty" jsonschema:"description=Replacement settings"`
}

type listExecutionsArgs struct {
	WorkflowID  string `json:"workflowId,omitempty" jsonschema:"description=Only executions of this workflow"`
	Status      string `json:"status,omitempty" jsonschema:"enum=error,enum=success,enum=waiting,description=Filter by execution status"`
	Limit       int    `json:"limit,omitempty" jsonschema:"description=Maximum number of executions to return"`
	Cursor      string `json:"cursor,omitempty" jsonschema:"description=Pagination cursor from a previous page"`
	IncludeData bool   `json:"includeData,omitempty" jsonschema:"description=Include full execution data"`
}

type getExecutionArgs struct {
	ID          string `json:"id" jsonschema:"minLength=1,description=Execution ID"`
	IncludeData bool   `json:"includeData,omitempty" jsonschema:"description=Include full execution data"`
}

type executionIDArgs struct {
	ID string `json:"id" jsonschema:"minLength=1,description=Execution ID"`
}

type runWebhookArgs struct {
	Path   string         `json:"path" jsonschema:"minLength=1,description=Webhook path relative to the instance /webhook/ prefix"`
	Method string         `json:"method,omitempty" jsonschema:"enum=GET,enum=POST,enum=PUT,enum=DELETE,description=HTTP method (default POST)"`
	Data   map[string]any `json:"data,omitempty" jsonschema:"description=JSON payload delivered to the webhook"`
}

func registerAll(d *Dispatcher) {
	d.register(newTool("list_workflows", "List workflows on the connected n8n instance, optionally filtered by active state or tags.",
		func(ctx context.Context, client *n8n.Client, a listWorkflowsArgs) (json.RawMessage, error) {
			return client.ListWorkflows(ctx, n8n.ListWorkflowsOptions{Active: a.Active, Tags: a.Tags, Limit: a.Limit, Cursor: a.Cursor})
		}))

	d.register(newTool("get_workflow", "Fetch a single workflow definition by ID.",
		func(ctx context.Context, client *n8n.Client, a workflowIDArgs) (json.RawMessage, error) {
			return client.GetWorkflow(ctx, a.ID)
		}))

	d.register(newTool("create_workflow", "Create a new workflow from a definition (name, nodes, connections, settings).",
		func(ctx context.Context, client *n8n.Client, a createWorkflowArgs) (json.RawMessage, error) {
			def := map[string]any{"name": a.Name}
			if a.Nodes != nil {
				def["nodes"] = a.Nodes
			} else {
				def["nodes"] = []any{}
			}
			if a.Connections != nil {
				def["connections"] = a.Connections
			} else {
				def["connections"] = map[string]any{}
			}
			if a.Settings != nil {
				def["settings"] = a.Settings
			} else {
				def["settings"] = map[string]any{}
			}
			return client.CreateWorkflow(ctx, def)
		}))

	d.register(newTool("update_workflow", "Replace the definition of an existing workflow.",
		func(ctx context.Context, client *n8n.Client, a updateWorkflowArgs) (json.RawMessage, error) {
			def := map[string]any{}
			if a.Name != "" {
				def["name"] = a.Name
			}
			if a.Nodes != nil {
				def["nodes"] = a.Nodes
			}
			if a.Connections != nil {
				def["connections"] = a.Connections
			}
			if a.Settings != nil {
				def["settings"] = a.Settings
			}
			return client.UpdateWorkflow(ctx, a.ID, def)
		}))

	d.register(newTool("delete_workflow", "Delete a workflow by ID.",
		func(ctx context.Context, client *n8n.Client, a workflowIDArgs) (json.RawMessage, error) {
			return client.DeleteWorkflow(ctx, a.ID)
		}))

	d.register(newTool("activate_workflow", "Activate a workflow so its triggers start firing.",
		func(ctx context.Context, client *n8n.Client, a workflowIDArgs) (json.RawMessage, error) {
			return client.ActivateWorkflow(ctx, a.ID)
		}))

	d.register(newTool("deactivate_workflow", "Deactivate a workflow, stopping its triggers.",
		func(ctx context.Context, client *n8n.Client, a workflowIDArgs) (json.RawMessage, error) {
			return client.DeactivateWorkflow(ctx, a.ID)
		}))

	d.register(newTool("list_executions", "List workflow executions, optionally filtered by workflow or status.",
		func(ctx context.Context, client *n8n.Client, a listExecutionsArgs) (json.RawMessage, error) {
			return client.ListExecutions(ctx, n8n.ListExecutionsOptions{WorkflowID: a.WorkflowID, Status: a.Status, Limit: a.Limit, Cursor: a.Cursor, IncludeData: a.IncludeData})
		}))

	d.register(newTool("get_execution", "Fetch a single execution by ID.",
		func(ctx context.Context, client *n8n.Client, a getExecutionArgs) (json.RawMessage, error) {
			return client.GetExecution(ctx, a.ID, a.IncludeData)
		}))

	d.register(newTool("delete_execution", "Delete an execution record by ID.",
		func(ctx context.Context, client *n8n.Client, a executionIDArgs) (json.RawMessage, error) {
			return client.DeleteExecution(ctx, a.ID)
		}))

	d.register(newTool("run_webhook", "Trigger a webhook-based workflow and return its response.",
		func(ctx context.Context, client *n8n.Client, a runWebhookArgs) (json.RawMessage, error) {
			var payload any
			if a.Data != nil {
				payload = a.Data
			}
			return client.RunWebhook(ctx, a.Method, a.Path, payload)
		}))
}
