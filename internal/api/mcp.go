package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/flint/internal/pipeline"
	"github.com/kalambet/flint/internal/plan"
	"github.com/kalambet/flint/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Engine *pipeline.Engine
	Store  *storage.Store

	// DefaultPlan runs when a tool call names no planId.
	DefaultPlan *plan.ExecutionPlan
}

// NewMCPServer creates an MCP server exposing validation runs, attestation
// lookup, and fingerprint verification as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"flint",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("flint validates UBL/CII/Factur-X e-invoices, inspects stored attestations, and verifies compliance fingerprints."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("validate_invoice",
			mcp.WithDescription("Run the compliance pipeline on an e-invoice and return its attestation fingerprint."),
			mcp.WithString("content", mcp.Description("Invoice document as text (UBL or CII XML, JSON)")),
			mcp.WithString("contentBase64", mcp.Description("Base64-encoded document for binary formats such as Factur-X PDF")),
			mcp.WithString("planId", mcp.Description("Registered execution plan to run (defaults to the server's standard plan)")),
			mcp.WithString("correlationId", mcp.Description("Caller trace ID recorded on the run")),
		),
		mcpValidateInvoice(deps),
	)

	s.AddTool(
		mcp.NewTool("get_attestation",
			mcp.WithDescription("Fetch a stored compliance attestation by its FL- identifier."),
			mcp.WithString("id", mcp.Description("Attestation ID (FL-...)"), mcp.Required()),
		),
		mcpGetAttestation(deps),
	)

	s.AddTool(
		mcp.NewTool("verify_attestation",
			mcp.WithDescription("Re-hash a stored validation report and check it against its recorded fingerprint."),
			mcp.WithString("id", mcp.Description("Attestation ID (FL-...)"), mcp.Required()),
		),
		mcpVerifyAttestation(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"flint://attestations/recent",
			"Recent Attestations",
			mcp.WithResourceDescription("Last 10 attestations (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentAttestations(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"flint://plans",
			"Registered Plans",
			mcp.WithResourceDescription("Registered execution plans with their config hashes"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePlans(deps),
	)

	return s
}

func mcpValidateInvoice(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		vr := ValidationRequest{
			Document:       req.GetString("content", ""),
			DocumentBase64: req.GetString("contentBase64", ""),
			PlanID:         req.GetString("planId", ""),
			CorrelationID:  req.GetString("correlationId", ""),
		}
		if vr.Document == "" && vr.DocumentBase64 == "" {
			return mcpError("content or contentBase64 is required"), nil
		}
		if vr.Document != "" && vr.DocumentBase64 != "" {
			return mcpError("content and contentBase64 are mutually exclusive"), nil
		}

		document, err := decodeDocument(vr)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		execPlan, err := resolvePlan(deps.Store, deps.DefaultPlan, vr)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("plan %q not found", vr.PlanID)), nil
			}
			return mcpError(err.Error()), nil
		}

		result, err := deps.Engine.Execute(ctx, pipeline.Input{
			Document:      document,
			Plan:          execPlan,
			CorrelationID: vr.CorrelationID,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("validation failed: %v", err)), nil
		}

		_, fpJSON, err := persistRun(deps.Store, result)
		if err != nil {
			return mcpError(fmt.Sprintf("validated but failed to persist attestation: %v", err)), nil
		}

		return mcpText(string(fpJSON)), nil
	}
}

func mcpGetAttestation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		att, err := deps.Store.GetAttestation(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("attestation %q not found", id)), nil
			}
			return mcpError(fmt.Sprintf("failed to load attestation: %v", err)), nil
		}

		return mcpText(att.FingerprintJSON), nil
	}
}

func mcpVerifyAttestation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		att, err := deps.Store.GetAttestation(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("attestation %q not found", id)), nil
			}
			return mcpError(fmt.Sprintf("failed to load attestation: %v", err)), nil
		}

		valid, err := verifyAttestation(att)
		if err != nil {
			return mcpError(fmt.Sprintf("verification failed: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"attestationId": att.ID,
			"valid":         valid,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpResourceRecentAttestations(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		atts, err := deps.Store.ListAttestations(10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list attestations: %w", err)
		}

		summaries := make([]attestationSummary, len(atts))
		for i, att := range atts {
			summaries[i] = summarizeAttestation(att)
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal attestations: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourcePlans(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		plans, err := deps.Store.ListPlans(50)
		if err != nil {
			return nil, fmt.Errorf("failed to list plans: %w", err)
		}

		summaries := make([]planSummary, len(plans))
		for i, p := range plans {
			summaries[i] = planSummary{
				ID:         p.ID,
				Version:    p.Version,
				ConfigHash: p.ConfigHash,
				UpdatedAt:  p.UpdatedAt,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal plans: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
