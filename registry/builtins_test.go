package registry

import (
	"context"
	"math"
	"testing"

	"github.com/stepflow-labs/stepflow"
)

func callTool(t *testing.T, name string, data map[string]any) map[string]any {
	t.Helper()
	step, ok := NewRegistry().Resolve(name)
	if !ok {
		t.Fatalf("tool %s not registered", name)
	}
	result, err := step(context.Background(), stepflow.NewStateWith(data), nil)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	m, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("%s returned %T, want map", name, result)
	}
	return m
}

func TestTransformData(t *testing.T) {
	out := callTool(t, "transform_data", map[string]any{
		"data": []any{1, 2.5, "x"},
	})
	transformed, _ := out["transformed_data"].([]any)
	if len(transformed) != 3 {
		t.Fatalf("got %d elements, want 3", len(transformed))
	}
	if transformed[0] != float64(2) || transformed[1] != float64(5) {
		t.Errorf("got %v, want numerics doubled", transformed)
	}
	if transformed[2] != "x" {
		t.Errorf("non-numeric element changed: %v", transformed[2])
	}
}

func TestValidateData(t *testing.T) {
	out := callTool(t, "validate_data", map[string]any{"data": []any{1}})
	if out["is_valid"] != true || out["validation_result"] != "passed" {
		t.Errorf("got %v", out)
	}

	out = callTool(t, "validate_data", map[string]any{"data": []any{}})
	if out["is_valid"] != false || out["validation_result"] != "failed" {
		t.Errorf("empty data: got %v", out)
	}

	out = callTool(t, "validate_data", nil)
	if out["is_valid"] != false {
		t.Errorf("missing data: got %v", out)
	}
}

func TestProfileData(t *testing.T) {
	out := callTool(t, "profile_data", map[string]any{
		"dataset": []any{1, 2, 3, 4, "skip"},
	})
	profile, _ := out["profile"].(map[string]any)
	if profile["total_records"] != 5 || profile["numeric_records"] != 4 {
		t.Errorf("got counts %v", profile)
	}
	if profile["mean"] != 2.5 || profile["median"] != 2.5 {
		t.Errorf("got mean=%v median=%v, want 2.5", profile["mean"], profile["median"])
	}
	wantStd := math.Sqrt(5.0 / 3.0)
	if std, _ := profile["std_dev"].(float64); math.Abs(std-wantStd) > 1e-9 {
		t.Errorf("got std_dev %v, want %v", std, wantStd)
	}
	if profile["min"] != float64(1) || profile["max"] != float64(4) {
		t.Errorf("got min=%v max=%v", profile["min"], profile["max"])
	}
}

func TestProfileData_Empty(t *testing.T) {
	out := callTool(t, "profile_data", nil)
	profile, _ := out["profile"].(map[string]any)
	if profile["error"] != "no data provided" {
		t.Errorf("got %v", profile)
	}
	if out["anomaly_count"] != 0 {
		t.Errorf("got anomaly_count %v, want 0", out["anomaly_count"])
	}
}

func TestIdentifyAnomalies(t *testing.T) {
	// q1=11, q3=13 over the sorted numerics, so 500 lies outside the
	// 1.5*IQR fences; the nil is a missing value.
	dataset := []any{10, 12, 11, 13, 12, 11, 500, nil, 12, 13}
	out := callTool(t, "identify_anomalies", map[string]any{"dataset": dataset})

	if out["anomaly_count"] != 2 {
		t.Fatalf("got anomaly_count %v, want 2", out["anomaly_count"])
	}
	anomalies, _ := out["anomalies"].([]any)
	first, _ := anomalies[0].(map[string]any)
	second, _ := anomalies[1].(map[string]any)
	if first["reason"] != "statistical_outlier" || first["index"] != 6 {
		t.Errorf("got first anomaly %v", first)
	}
	if second["reason"] != "missing_value" || second["index"] != 7 {
		t.Errorf("got second anomaly %v", second)
	}

	params, _ := out["detection_params"].(map[string]any)
	if params["q1"] != float64(11) || params["q3"] != float64(13) {
		t.Errorf("got detection params %v", params)
	}
}

func TestIdentifyAnomalies_TooFewPoints(t *testing.T) {
	out := callTool(t, "identify_anomalies", map[string]any{
		"dataset": []any{1, 2, 3},
	})
	if out["anomaly_count"] != 0 {
		t.Errorf("got %v, want no anomalies for tiny datasets", out["anomaly_count"])
	}
}

func TestGenerateRules(t *testing.T) {
	out := callTool(t, "generate_rules", map[string]any{
		"anomalies": []any{
			map[string]any{"reason": "missing_value", "index": 1},
			map[string]any{"reason": "statistical_outlier", "index": 2},
		},
		"profile":          map[string]any{"median": 12.0, "min": 10.0, "max": 13.0},
		"detection_params": map[string]any{"lower_bound": 8.0, "upper_bound": 16.0},
	})

	rules, _ := out["rules"].([]any)
	if out["rules_count"] != 3 || len(rules) != 3 {
		t.Fatalf("got %v rules, want 3", out["rules_count"])
	}
	ids := make([]string, len(rules))
	for i, r := range rules {
		m, _ := r.(map[string]any)
		ids[i], _ = m["rule_id"].(string)
	}
	if ids[0] != "rule_001" || ids[1] != "rule_002" || ids[2] != "rule_003" {
		t.Errorf("got rule ids %v", ids)
	}
}

func TestGenerateRules_NoAnomalies(t *testing.T) {
	out := callTool(t, "generate_rules", map[string]any{
		"profile": map[string]any{"min": 1.0, "max": 2.0},
	})
	if out["rules_count"] != 1 {
		t.Errorf("got %v rules, want just the validation rule", out["rules_count"])
	}
}

func TestApplyRules(t *testing.T) {
	dataset := []any{10, 12, 11, 13, 12, 11, 500, nil, 12, 13}
	state := map[string]any{
		"dataset": dataset,
		"rules": []any{
			map[string]any{
				"type":   "imputation",
				"action": "replace_with_median",
				"params": map[string]any{"replacement_value": 12.0},
			},
			map[string]any{
				"type":   "capping",
				"action": "cap_at_bounds",
				"params": map[string]any{"lower_bound": 8.0, "upper_bound": 16.0},
			},
		},
		"anomalies": []any{
			map[string]any{"reason": "statistical_outlier", "index": 6},
			map[string]any{"reason": "missing_value", "index": 7},
		},
		"anomaly_indices": []any{6, 7},
		"profile":         map[string]any{"total_records": 10},
		"iteration":       2,
	}

	out := callTool(t, "apply_rules", state)

	cleaned, _ := out["dataset"].([]any)
	if cleaned[6] != 16.0 {
		t.Errorf("got dataset[6]=%v, want capped 16", cleaned[6])
	}
	if cleaned[7] != 12.0 {
		t.Errorf("got dataset[7]=%v, want imputed 12", cleaned[7])
	}
	if out["modifications_made"] != 2 {
		t.Errorf("got modifications %v, want 2", out["modifications_made"])
	}
	if out["quality_score"] != 80.0 {
		t.Errorf("got quality_score %v, want 80", out["quality_score"])
	}
	if out["iteration"] != 3 {
		t.Errorf("got iteration %v, want 3", out["iteration"])
	}

	// The original slice is not mutated in place.
	if dataset[6] != 500 || dataset[7] != nil {
		t.Error("input dataset mutated")
	}
}

func TestDataQualityPipeline(t *testing.T) {
	g, err := stepflow.BuildGraph(DataQualityDefinition(), NewRegistry())
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	engine := stepflow.NewEngine(stepflow.EngineConfig{})
	run := stepflow.NewRun(g.ID(), stepflow.NewStateWith(map[string]any{
		"dataset": []any{10, 12, 11, 13, 12, 11, 500, nil, 12, 13},
	}))
	engine.Execute(context.Background(), g, run)

	if run.Status() != stepflow.StatusCompleted {
		t.Fatalf("got status %q (err: %s)", run.Status(), run.Err())
	}

	st := run.State()
	score, _ := st.Get("quality_score").(float64)
	if score != 80.0 {
		t.Errorf("got quality_score %v, want 80", score)
	}
	cleaned, _ := st.Get("dataset").([]any)
	if cleaned[6] != 16.0 || cleaned[7] != 12.0 {
		t.Errorf("got cleaned dataset %v", cleaned)
	}
	if st.Get("iteration") != 1 {
		t.Errorf("got iteration %v, want 1 pass", st.Get("iteration"))
	}

	var sawExit bool
	for _, entry := range run.Log() {
		if entry.Action == stepflow.ActionLoopExited {
			sawExit = true
			if entry.Details["reason"] != "condition_met" {
				t.Errorf("got exit reason %v", entry.Details["reason"])
			}
		}
	}
	if !sawExit {
		t.Error("expected a loop_exited entry")
	}
}
