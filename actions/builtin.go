package actions

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Built-in step actions.
const (
	ValidateData   = "validate_data"
	ProcessData    = "process_data"
	FraudDetection = "fraud_detection"
	DeploySystem   = "deploy_system"
	Generic        = "generic"
)

// Built-in compensations.
const (
	RevertDataProcessing = "revert_data_processing"
	ResetFraudFlags      = "reset_fraud_flags"
	RollbackDeployment   = "rollback_deployment"
	ResetValidation      = "reset_validation"
	GenericRollback      = "generic_rollback"
)

// CompensationAuto in a step's compensation field selects the built-in
// compensation paired with the step's action.
const CompensationAuto = "auto"

// highRiskScore is the fraud score above which manual review is required.
const highRiskScore = 70

var pairedCompensation = map[string]string{
	ProcessData:    RevertDataProcessing,
	FraudDetection: ResetFraudFlags,
	DeploySystem:   RollbackDeployment,
	ValidateData:   ResetValidation,
}

// CompensationFor returns the built-in compensation paired with action,
// falling back to GenericRollback.
func CompensationFor(action string) string {
	if c, ok := pairedCompensation[action]; ok {
		return c
	}
	return GenericRollback
}

// RegisterBuiltins adds every built-in action and compensation to r.
func RegisterBuiltins(r *Registry) {
	builtins := map[string]ActionFunc{
		ValidateData:   validateData,
		ProcessData:    processData,
		FraudDetection: fraudDetection,
		DeploySystem:   deploySystem,
		Generic:        generic,

		RevertDataProcessing: compensation("reverted data processing changes"),
		ResetFraudFlags:      compensation("reset fraud detection flags"),
		RollbackDeployment:   compensation("rolled back deployment to previous version"),
		ResetValidation:      compensation("reset validation status"),
		GenericRollback:      compensation("executed generic rollback action"),
	}
	for name, fn := range builtins {
		_ = r.Register(name, fn)
	}
}

// payload returns the data a task operates on: "original_data" if present,
// otherwise the whole context.
func payload(req Request) map[string]interface{} {
	if data, ok := req.Context["original_data"].(map[string]interface{}); ok {
		return data
	}
	return req.Context
}

func validateData(_ context.Context, req Request) (interface{}, error) {
	data := payload(req)
	fields := make([]string, 0, len(data))
	var issues []string
	for k, v := range data {
		fields = append(fields, k)
		if v == nil || v == "" {
			issues = append(issues, "missing value for "+k)
		}
	}
	sort.Strings(fields)
	sort.Strings(issues)
	if len(issues) > 0 {
		return nil, fmt.Errorf("validation failed: %v", issues)
	}
	return map[string]interface{}{
		"valid":            true,
		"validated_fields": fields,
		"validated_at":     time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func processData(_ context.Context, req Request) (interface{}, error) {
	out := make(map[string]interface{}, len(payload(req))+3)
	for k, v := range payload(req) {
		out[k] = v
	}
	out["processing_id"] = "proc_" + uuid.NewString()[:8]
	out["processed_at"] = time.Now().UTC().Format(time.RFC3339)
	out["status"] = "processed"
	return out, nil
}

// fraudDetection scores the request. An explicit "risk_score" in the
// context wins; otherwise amounts of 10000 or more score high.
func fraudDetection(_ context.Context, req Request) (interface{}, error) {
	score := 20
	if v, ok := toInt(req.Context["risk_score"]); ok {
		score = v
	} else if amount, ok := toInt(payload(req)["amount"]); ok && amount >= 10000 {
		score = 85
	}
	high := score > highRiskScore
	level, recommendation := "low", "auto_approve"
	if high {
		level, recommendation = "high", "manual_review"
	}
	return map[string]interface{}{
		"risk_score":             score,
		"risk_level":             level,
		"recommendation":         recommendation,
		"requires_manual_review": high,
	}, nil
}

func deploySystem(_ context.Context, req Request) (interface{}, error) {
	env, _ := req.Context["environment"].(string)
	if env == "" {
		env = "production"
	}
	version, _ := req.Context["version"].(string)
	if version == "" {
		version = "1.0.0"
	}
	return map[string]interface{}{
		"deployment_id": "deploy_" + uuid.NewString()[:8],
		"environment":   env,
		"version":       version,
		"status":        "success",
	}, nil
}

func generic(_ context.Context, req Request) (interface{}, error) {
	return map[string]interface{}{
		"task_completed": true,
		"step_id":        req.StepID,
	}, nil
}

func compensation(message string) ActionFunc {
	return func(_ context.Context, req Request) (interface{}, error) {
		out := map[string]interface{}{"message": message, "step_id": req.StepID}
		if req.Record != nil {
			out["step_index"] = req.Record.StepIndex
		}
		return out, nil
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
