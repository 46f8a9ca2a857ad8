package builtin

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"time"

	"github.com/owliabot/owlia/internal/tools"
	"github.com/owliabot/owlia/pkg/models"
)

// CurrentTimeTool reports the current time.
type CurrentTimeTool struct{}

func (t *CurrentTimeTool) Name() string { return "current_time" }

func (t *CurrentTimeTool) Description() string {
	return "Get the current date and time, optionally in a specific IANA timezone."
}

func (t *CurrentTimeTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA timezone name such as Europe/Berlin (default: local).",
			},
		},
		"additionalProperties": false,
	})
}

func (t *CurrentTimeTool) Security() tools.Security {
	return tools.Security{Level: models.SecurityRead}
}

func (t *CurrentTimeTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var input struct {
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return tools.Errorf("Invalid parameters: %v", err), nil
	}

	now := time.Now()
	if input.Timezone != "" {
		loc, err := time.LoadLocation(input.Timezone)
		if err != nil {
			return tools.Errorf("unknown timezone %q", input.Timezone), nil
		}
		now = now.In(loc)
	}

	return tools.JSONResult(map[string]any{
		"rfc3339":  now.Format(time.RFC3339),
		"unix":     now.Unix(),
		"timezone": now.Location().String(),
		"weekday":  now.Weekday().String(),
	}), nil
}

// SystemInfoTool reports basic host and runtime facts.
type SystemInfoTool struct{}

func (t *SystemInfoTool) Name() string { return "system_info" }

func (t *SystemInfoTool) Description() string {
	return "Get host, OS, and runtime information for the agent process."
}

func (t *SystemInfoTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": false,
	})
}

func (t *SystemInfoTool) Security() tools.Security {
	return tools.Security{Level: models.SecurityRead}
}

func (t *SystemInfoTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	hostname, _ := os.Hostname()
	wd, _ := os.Getwd()
	return tools.JSONResult(map[string]any{
		"hostname":    hostname,
		"os":          runtime.GOOS,
		"arch":        runtime.GOARCH,
		"go_version":  runtime.Version(),
		"num_cpu":     runtime.NumCPU(),
		"pid":         os.Getpid(),
		"working_dir": wd,
	}), nil
}
