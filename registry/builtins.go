package registry

import (
	"context"
	"math"
	"sort"

	"github.com/stepflow-labs/stepflow"
)

// registerBuiltins registers the default tools and the data-quality
// pipeline tools. Called by NewRegistry.
func registerBuiltins(r *Registry) {
	r.Register("transform_data", transformData)
	r.Register("validate_data", validateData)
	r.Register("profile_data", profileData)
	r.Register("identify_anomalies", identifyAnomalies)
	r.Register("generate_rules", generateRules)
	r.Register("apply_rules", applyRules)
}

// transformData doubles every numeric element of state["data"].
func transformData(_ context.Context, st *stepflow.State, _ map[string]any) (any, error) {
	data, _ := st.Get("data").([]any)
	transformed := make([]any, len(data))
	for i, v := range data {
		if f, ok := asNumber(v); ok {
			transformed[i] = f * 2
		} else {
			transformed[i] = v
		}
	}
	return map[string]any{"transformed_data": transformed}, nil
}

// validateData checks that state["data"] is a non-empty list.
func validateData(_ context.Context, st *stepflow.State, _ map[string]any) (any, error) {
	data, ok := st.Get("data").([]any)
	isValid := ok && len(data) > 0
	result := "failed"
	if isValid {
		result = "passed"
	}
	return map[string]any{"is_valid": isValid, "validation_result": result}, nil
}

// profileData computes summary statistics over state["dataset"].
func profileData(_ context.Context, st *stepflow.State, _ map[string]any) (any, error) {
	data, _ := st.Get("dataset").([]any)
	if len(data) == 0 {
		return map[string]any{
			"profile":       map[string]any{"error": "no data provided"},
			"anomaly_count": 0,
		}, nil
	}

	numeric := numericValues(data)
	profile := map[string]any{
		"total_records":   len(data),
		"numeric_records": len(numeric),
		"mean":            mean(numeric),
		"median":          median(numeric),
		"std_dev":         stddev(numeric),
	}
	if len(numeric) > 0 {
		profile["min"] = minOf(numeric)
		profile["max"] = maxOf(numeric)
	}

	iteration := 0
	if it, ok := asNumber(st.Get("iteration")); ok {
		iteration = int(it)
	}
	return map[string]any{
		"profile":   profile,
		"iteration": iteration,
	}, nil
}

// identifyAnomalies flags statistical outliers (IQR method) and missing
// values in state["dataset"].
func identifyAnomalies(_ context.Context, st *stepflow.State, _ map[string]any) (any, error) {
	data, _ := st.Get("dataset").([]any)
	numeric := numericValues(data)

	anomalies := []any{}
	anomalyIndices := []any{}
	result := map[string]any{
		"anomalies":       anomalies,
		"anomaly_count":   0,
		"anomaly_indices": anomalyIndices,
	}
	if len(numeric) < 4 {
		return result, nil
	}

	sorted := append([]float64(nil), numeric...)
	sort.Float64s(sorted)
	q1 := sorted[len(sorted)/4]
	q3 := sorted[3*len(sorted)/4]
	iqr := q3 - q1
	lower := q1 - 1.5*iqr
	upper := q3 + 1.5*iqr

	flagged := make(map[int]bool)
	for idx, v := range data {
		f, ok := asNumber(v)
		if !ok {
			continue
		}
		if f < lower || f > upper {
			anomalies = append(anomalies, map[string]any{
				"index":  idx,
				"value":  f,
				"reason": "statistical_outlier",
				"bounds": map[string]any{"lower": lower, "upper": upper},
			})
			anomalyIndices = append(anomalyIndices, idx)
			flagged[idx] = true
		}
	}
	for idx, v := range data {
		f, isNum := asNumber(v)
		if v == nil || (isNum && math.IsNaN(f)) {
			anomalies = append(anomalies, map[string]any{
				"index":  idx,
				"value":  v,
				"reason": "missing_value",
			})
			if !flagged[idx] {
				anomalyIndices = append(anomalyIndices, idx)
			}
		}
	}

	result["anomalies"] = anomalies
	result["anomaly_count"] = len(anomalies)
	result["anomaly_indices"] = anomalyIndices
	result["detection_params"] = map[string]any{
		"q1": q1, "q3": q3, "iqr": iqr,
		"lower_bound": lower, "upper_bound": upper,
	}
	return result, nil
}

// generateRules derives cleanup rules from the anomalies found by
// identifyAnomalies.
func generateRules(_ context.Context, st *stepflow.State, _ map[string]any) (any, error) {
	anomalies, _ := st.Get("anomalies").([]any)
	profile, _ := st.Get("profile").(map[string]any)
	params, _ := st.Get("detection_params").(map[string]any)

	missing, outliers := 0, 0
	for _, a := range anomalies {
		m, ok := a.(map[string]any)
		if !ok {
			continue
		}
		switch m["reason"] {
		case "missing_value":
			missing++
		case "statistical_outlier":
			outliers++
		}
	}

	rules := []any{}
	if missing > 0 {
		rules = append(rules, map[string]any{
			"rule_id":        "rule_001",
			"type":           "imputation",
			"action":         "replace_with_median",
			"target":         "missing_values",
			"params":         map[string]any{"replacement_value": profile["median"]},
			"affected_count": missing,
		})
	}
	if outliers > 0 {
		rules = append(rules, map[string]any{
			"rule_id": "rule_002",
			"type":    "capping",
			"action":  "cap_at_bounds",
			"target":  "outliers",
			"params": map[string]any{
				"lower_bound": params["lower_bound"],
				"upper_bound": params["upper_bound"],
			},
			"affected_count": outliers,
		})
	}
	rules = append(rules, map[string]any{
		"rule_id": "rule_003",
		"type":    "validation",
		"action":  "enforce_range",
		"target":  "all_numeric",
		"params": map[string]any{
			"min": profile["min"],
			"max": profile["max"],
		},
	})

	return map[string]any{
		"rules":       rules,
		"rules_count": len(rules),
	}, nil
}

// applyRules applies imputation and capping rules to the dataset and
// scores the result. Each pass increments the iteration counter in
// state, which the pipeline's loop condition reads.
func applyRules(_ context.Context, st *stepflow.State, _ map[string]any) (any, error) {
	orig, _ := st.Get("dataset").([]any)
	data := append([]any(nil), orig...)
	rules, _ := st.Get("rules").([]any)
	anomalies, _ := st.Get("anomalies").([]any)
	anomalyIndices, _ := st.Get("anomaly_indices").([]any)

	iteration := 0
	if it, ok := asNumber(st.Get("iteration")); ok {
		iteration = int(it)
	}

	modifications := 0
	for _, r := range rules {
		rule, ok := r.(map[string]any)
		if !ok {
			continue
		}
		params, _ := rule["params"].(map[string]any)

		switch {
		case rule["type"] == "imputation" && rule["action"] == "replace_with_median":
			replacement := params["replacement_value"]
			for _, a := range anomalies {
				m, ok := a.(map[string]any)
				if !ok || m["reason"] != "missing_value" {
					continue
				}
				if idx, ok := asNumber(m["index"]); ok {
					i := int(idx)
					if i >= 0 && i < len(data) {
						data[i] = replacement
						modifications++
					}
				}
			}
		case rule["type"] == "capping" && rule["action"] == "cap_at_bounds":
			lower, _ := asNumber(params["lower_bound"])
			upper, _ := asNumber(params["upper_bound"])
			for _, a := range anomalies {
				m, ok := a.(map[string]any)
				if !ok || m["reason"] != "statistical_outlier" {
					continue
				}
				idx, ok := asNumber(m["index"])
				if !ok {
					continue
				}
				i := int(idx)
				if i < 0 || i >= len(data) {
					continue
				}
				if v, ok := asNumber(data[i]); ok {
					if v < lower {
						data[i] = lower
						modifications++
					} else if v > upper {
						data[i] = upper
						modifications++
					}
				}
			}
		}
	}

	total := float64(len(data))
	if profile, ok := st.Get("profile").(map[string]any); ok {
		if tr, ok := asNumber(profile["total_records"]); ok {
			total = tr
		}
	}
	qualityScore := 0.0
	if total > 0 {
		qualityScore = (total - float64(len(anomalyIndices))) / total * 100
	}

	return map[string]any{
		"dataset":            data,
		"modifications_made": modifications,
		"quality_score":      qualityScore,
		"iteration":          iteration + 1,
	}, nil
}

// DataQualityDefinition returns the bundled data-quality pipeline:
// profile, detect anomalies, generate rules, then apply rules in a loop
// until fewer than five anomalies remain or five passes have run.
func DataQualityDefinition() stepflow.GraphDefinition {
	return stepflow.GraphDefinition{
		Name:        "data_quality_pipeline",
		Description: "Automated data quality assessment and improvement pipeline",
		EntryPoint:  "profile_data",
		Nodes: []stepflow.NodeDefinition{
			{Name: "profile_data", Type: "standard", Tool: "profile_data"},
			{Name: "identify_anomalies", Type: "standard", Tool: "identify_anomalies"},
			{Name: "generate_rules", Type: "standard", Tool: "generate_rules"},
			{Name: "apply_rules", Type: "loop", Tool: "apply_rules"},
		},
		Edges: []stepflow.EdgeDefinition{
			{FromNode: "profile_data", ToNode: "identify_anomalies"},
			{FromNode: "identify_anomalies", ToNode: "generate_rules"},
			{FromNode: "generate_rules", ToNode: "apply_rules"},
			{FromNode: "apply_rules", ToNode: "identify_anomalies"},
		},
		Loops: []stepflow.LoopDefinition{
			{
				Node: "apply_rules",
				Condition: stepflow.Condition{
					Field:    "anomaly_count",
					Operator: stepflow.OpLt,
					Value:    5,
				},
				MaxIterations: 5,
			},
		},
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

func numericValues(data []any) []float64 {
	var out []float64
	for _, v := range data {
		if f, ok := asNumber(v); ok && !math.IsNaN(f) {
			out = append(out, f)
		}
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		sum += (x - m) * (x - m)
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

func minOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func maxOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}
