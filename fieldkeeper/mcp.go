package fieldkeeper

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/formfill/element"
	"github.com/hazyhaar/formfill/filler"
	"github.com/hazyhaar/formfill/profile"
	"github.com/hazyhaar/formfill/siterules"
)

// RegisterMCP registers fieldkeeper tools on an MCP server. The tool set
// mirrors the connectivity services.
func (k *Keeper) RegisterMCP(srv *mcp.Server) {
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "formfill_classify",
		Description: "Classify a form control into a semantic field type (email, phone, cardNumber, ...). Accepts a structured snapshot or a serialised HTML fragment.",
	}, k.mcpClassify)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "formfill_correct",
		Description: "Record a user correction for a misclassified field. Future structurally similar fields classify as the corrected type.",
	}, k.mcpCorrect)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "formfill_stats",
		Description: "Report size, capacity and TTL of the field, storage and url-pattern caches.",
	}, k.mcpStats)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "formfill_reload_rules",
		Description: "Replace the site-rules ruleset. Malformed rules are dropped and reported; valid rules load.",
	}, k.mcpReloadRules)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "formfill_plan_fill",
		Description: "Classify a batch of form controls and build an ordered fill plan from the selected profile.",
	}, k.mcpPlanFill)
}

type classifyInput struct {
	Snapshot *element.Snapshot `json:"snapshot,omitempty" jsonschema:"structured element snapshot"`
	Fragment string            `json:"fragment,omitempty" jsonschema:"serialised HTML fragment containing one form control"`
	Hostname string            `json:"hostname,omitempty" jsonschema:"page hostname, required with fragment"`
}

func (k *Keeper) mcpClassify(ctx context.Context, _ *mcp.CallToolRequest, in classifyInput) (*mcp.CallToolResult, *element.DetectedField, error) {
	snap := in.Snapshot
	if snap == nil {
		var err error
		snap, err = element.ParseSnapshot(in.Fragment, in.Hostname)
		if err != nil {
			return nil, nil, err
		}
	}
	field, err := k.Classify(ctx, snap)
	if err != nil {
		return nil, nil, err
	}
	return nil, field, nil
}

type correctInput struct {
	Snapshot  *element.Snapshot `json:"snapshot" jsonschema:"the element that was misclassified"`
	Corrected element.FieldType `json:"corrected" jsonschema:"the field type the user says is right"`
}

type correctResult struct {
	Status string `json:"status"`
}

func (k *Keeper) mcpCorrect(ctx context.Context, _ *mcp.CallToolRequest, in correctInput) (*mcp.CallToolResult, correctResult, error) {
	if in.Snapshot == nil {
		return nil, correctResult{}, fmt.Errorf("snapshot required")
	}
	if err := k.RecordCorrection(ctx, in.Snapshot, in.Corrected); err != nil {
		return nil, correctResult{}, err
	}
	return nil, correctResult{Status: "recorded"}, nil
}

type statsInput struct{}

func (k *Keeper) mcpStats(ctx context.Context, _ *mcp.CallToolRequest, _ statsInput) (*mcp.CallToolResult, CacheStats, error) {
	return nil, k.CacheStats(), nil
}

type reloadRulesInput struct {
	Rules []*siterules.SiteRule `json:"rules" jsonschema:"the full replacement ruleset"`
}

type reloadRulesResult struct {
	Loaded int    `json:"loaded"`
	Errors string `json:"errors,omitempty"`
}

func (k *Keeper) mcpReloadRules(ctx context.Context, _ *mcp.CallToolRequest, in reloadRulesInput) (*mcp.CallToolResult, reloadRulesResult, error) {
	res := reloadRulesResult{Loaded: len(in.Rules)}
	if err := k.ReloadSiteRules(in.Rules); err != nil {
		res.Errors = err.Error()
	}
	return nil, res, nil
}

type planFillInput struct {
	Snapshots []*element.Snapshot `json:"snapshots" jsonschema:"the form controls to fill"`
	Kind      profile.Kind        `json:"kind,omitempty" jsonschema:"profile kind: personal, work or custom (default personal)"`
}

func (k *Keeper) mcpPlanFill(ctx context.Context, _ *mcp.CallToolRequest, in planFillInput) (*mcp.CallToolResult, *filler.Plan, error) {
	kind := in.Kind
	if kind == "" {
		kind = profile.KindPersonal
	}
	plan, err := k.PlanFill(ctx, in.Snapshots, kind)
	if err != nil {
		return nil, nil, err
	}
	return nil, plan, nil
}
