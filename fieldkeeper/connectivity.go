package fieldkeeper

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/formfill/connectivity"
	"github.com/hazyhaar/formfill/element"
	"github.com/hazyhaar/formfill/profile"
	"github.com/hazyhaar/formfill/siterules"
)

// RegisterConnectivity registers fieldkeeper service handlers on a
// connectivity Router.
//
// Registered services:
//
//	formfill_classify     — classify one element snapshot
//	formfill_correct      — record a user correction
//	formfill_stats        — cache statistics
//	formfill_reload_rules — replace the site ruleset
//	formfill_plan_fill    — build a fill plan for a snapshot batch
func (k *Keeper) RegisterConnectivity(router *connectivity.Router) {
	router.RegisterLocal("formfill_classify", k.handleClassify)
	router.RegisterLocal("formfill_correct", k.handleCorrect)
	router.RegisterLocal("formfill_stats", k.handleStats)
	router.RegisterLocal("formfill_reload_rules", k.handleReloadRules)
	router.RegisterLocal("formfill_plan_fill", k.handlePlanFill)
}

func (k *Keeper) handleClassify(ctx context.Context, payload []byte) ([]byte, error) {
	var req struct {
		Snapshot *element.Snapshot `json:"snapshot"`
		Fragment string            `json:"fragment"`
		Hostname string            `json:"hostname"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	snap := req.Snapshot
	if snap == nil {
		var err error
		snap, err = element.ParseSnapshot(req.Fragment, req.Hostname)
		if err != nil {
			return nil, err
		}
	}
	field, err := k.Classify(ctx, snap)
	if err != nil {
		return nil, err
	}
	return json.Marshal(field)
}

func (k *Keeper) handleCorrect(ctx context.Context, payload []byte) ([]byte, error) {
	var req struct {
		Snapshot  *element.Snapshot `json:"snapshot"`
		Corrected element.FieldType `json:"corrected"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if req.Snapshot == nil {
		return nil, fmt.Errorf("correct: snapshot required")
	}
	if err := k.RecordCorrection(ctx, req.Snapshot, req.Corrected); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"status": "recorded"})
}

func (k *Keeper) handleStats(ctx context.Context, _ []byte) ([]byte, error) {
	return json.Marshal(k.CacheStats())
}

func (k *Keeper) handleReloadRules(ctx context.Context, payload []byte) ([]byte, error) {
	var req struct {
		Rules []*siterules.SiteRule `json:"rules"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	loadErr := k.ReloadSiteRules(req.Rules)
	resp := map[string]any{"loaded": len(req.Rules)}
	if loadErr != nil {
		resp["errors"] = loadErr.Error()
	}
	return json.Marshal(resp)
}

func (k *Keeper) handlePlanFill(ctx context.Context, payload []byte) ([]byte, error) {
	var req struct {
		Snapshots []*element.Snapshot `json:"snapshots"`
		Kind      profile.Kind        `json:"kind"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if req.Kind == "" {
		req.Kind = profile.KindPersonal
	}
	plan, err := k.PlanFill(ctx, req.Snapshots, req.Kind)
	if err != nil {
		return nil, err
	}
	return json.Marshal(plan)
}
