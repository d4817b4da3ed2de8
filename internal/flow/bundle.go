package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/routing"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"gopkg.in/yaml.v3"
)

// Bundle is a set of flows, keywords and routing rules loaded together, typically at
// startup from FLOWS_FILE.
type Bundle struct {
	Flows    []models.Flow        `json:"flows"`
	Keywords []models.SmsKeyword  `json:"keywords"`
	Rules    []models.RoutingRule `json:"rules"`
}

// BundleRepo is the storage a bundle is applied to.
type BundleRepo interface {
	store.FlowRepo
	store.RoutingRepo
}

// LoadBundleFile reads a bundle from a YAML or JSON file. The format is chosen by extension;
// anything other than .json is parsed as YAML.
func LoadBundleFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow bundle: %w", err)
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		return ParseBundle(data, "json")
	}
	return ParseBundle(data, "yaml")
}

// ParseBundle decodes a bundle. YAML is converted to JSON first so that nodes go through
// the same tagged decoding as the admin API.
func ParseBundle(data []byte, format string) (*Bundle, error) {
	if format == "yaml" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse flow bundle yaml: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert flow bundle yaml: %w", err)
		}
		data = converted
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse flow bundle: %w", err)
	}
	return &b, nil
}

// Validate checks every flow, keyword and rule, and that keywords and rules reference
// flows of the bundle or already stored ones (known).
func (b *Bundle) Validate(known map[string]bool) error {
	ids := make(map[string]bool, len(known)+len(b.Flows))
	for id := range known {
		ids[id] = true
	}
	for i := range b.Flows {
		if err := b.Flows[i].Validate(); err != nil {
			return err
		}
		ids[b.Flows[i].ID] = true
	}
	for i := range b.Keywords {
		k := &b.Keywords[i]
		if err := k.Validate(); err != nil {
			return err
		}
		if k.FlowID != "" && !ids[k.FlowID] {
			return fmt.Errorf("%w: keyword %s references unknown flow %q", models.ErrInvalidKeyword, k.Keyword, k.FlowID)
		}
	}
	for i := range b.Rules {
		r := &b.Rules[i]
		if err := r.Validate(); err != nil {
			return err
		}
		if !ids[r.FlowID] {
			return fmt.Errorf("%w: rule references unknown flow %q", models.ErrInvalidRoutingRule, r.FlowID)
		}
	}
	return routing.CheckRuleSet(b.Rules)
}

// Apply validates the bundle and saves it. Rules that already exist with the same channel,
// matcher and target are updated in place, so applying a bundle twice creates no duplicates.
func (b *Bundle) Apply(ctx context.Context, repo BundleRepo) error {
	existingFlows, err := repo.ListFlows(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existingFlows))
	for _, f := range existingFlows {
		known[f.ID] = true
	}
	if err := b.Validate(known); err != nil {
		return err
	}

	for i := range b.Flows {
		f := b.Flows[i]
		f.DeriveEdges()
		if err := repo.SaveFlow(ctx, f); err != nil {
			return fmt.Errorf("save flow %s: %w", f.ID, err)
		}
	}
	for _, k := range b.Keywords {
		if err := repo.SaveKeyword(ctx, k); err != nil {
			return fmt.Errorf("save keyword %s: %w", k.Keyword, err)
		}
	}

	existingRules, err := repo.ListRoutingRules(ctx)
	if err != nil {
		return err
	}
	if err := routing.CheckRuleSet(mergeRules(existingRules, b.Rules)); err != nil {
		return err
	}
	for i := range b.Rules {
		r := b.Rules[i]
		r.ID = 0
		for _, ex := range existingRules {
			if sameRule(ex, r) {
				r.ID = ex.ID
				break
			}
		}
		if err := repo.SaveRoutingRule(ctx, &r); err != nil {
			return fmt.Errorf("save routing rule for flow %s: %w", r.FlowID, err)
		}
	}
	slog.Info("Bundle.Apply: flow bundle applied", "flows", len(b.Flows), "keywords", len(b.Keywords), "rules", len(b.Rules))
	return nil
}

func sameRule(a, b models.RoutingRule) bool {
	return a.Channel == b.Channel && a.MatcherType == b.MatcherType &&
		a.MatcherValue == b.MatcherValue && a.FlowID == b.FlowID && a.EntryNodeID == b.EntryNodeID
}

// mergeRules returns existing with incoming rules applied on top, matching by sameRule.
func mergeRules(existing, incoming []models.RoutingRule) []models.RoutingRule {
	merged := append([]models.RoutingRule(nil), existing...)
	for _, r := range incoming {
		replaced := false
		for i := range merged {
			if sameRule(merged[i], r) {
				merged[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, r)
		}
	}
	return merged
}
