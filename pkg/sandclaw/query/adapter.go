// Package query fulfills sandbox queries against host-side CLIs through a
// safe-exec primitive: a named binary invoked with a fixed argument vector
// (no shell) under a timeout. Read and write query types are enumerated in
// configuration allowlists; writes require the main group.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// standaloneMsg is returned when the backing tools are not installed, so
// sandboxes degrade gracefully.
const standaloneMsg = "host tooling not available — orchestrator is running in standalone mode."

// Config mirrors the query_adapter configuration section.
type Config struct {
	Enabled                   bool
	ReadAllowlist             []string
	WriteAllowlist            []string
	RequireMainGroupForWrites bool
	Timeout                   time.Duration
}

// Response is the adapter's answer, mapped into the IPC responses/ file.
type Response struct {
	OK     bool
	Result string
}

func ok(result string) Response   { return Response{OK: true, Result: result} }
func fail(result string) Response { return Response{OK: false, Result: result} }

// Plan is a concrete command invocation: binary plus fixed args.
type Plan struct {
	Bin       string
	Signature string
	Args      []string
}

// Adapter executes allowlisted CLI plans.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Adapter{cfg: cfg, logger: logger.With("component", "query")}
}

// params is the decoded query parameter object.
type params map[string]any

func (p params) str(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Execute resolves a query type to a plan and runs it. Unknown types,
// unauthorized writes, and tool failures come back as error responses.
func (a *Adapter) Execute(ctx context.Context, queryType string, rawParams json.RawMessage, isMain bool) Response {
	if !a.cfg.Enabled {
		return fail("query adapter is disabled.")
	}

	var p params
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &p); err != nil {
			return fail(fmt.Sprintf("invalid query params: %v", err))
		}
	}
	if p == nil {
		p = params{}
	}

	if plan, err := planRead(queryType, p); plan != nil || err != nil {
		if err != nil {
			return fail(err.Error())
		}
		if !a.allowed(plan.Signature, a.cfg.ReadAllowlist) {
			return fail(fmt.Sprintf("read operation %q is not allowlisted.", plan.Signature))
		}
		return a.run(ctx, plan)
	}

	if plan, err := planWrite(queryType, p); plan != nil || err != nil {
		if err != nil {
			return fail(err.Error())
		}
		if a.cfg.RequireMainGroupForWrites && !isMain {
			return fail("write operation requires main group privileges.")
		}
		if !a.allowed(plan.Signature, a.cfg.WriteAllowlist) {
			return fail(fmt.Sprintf("write operation %q is not allowlisted.", plan.Signature))
		}
		return a.run(ctx, plan)
	}

	return fail(fmt.Sprintf("unknown query type: %s", queryType))
}

// planRead maps read query types to command plans. Returns (nil, nil) for
// types it does not know.
func planRead(queryType string, p params) (*Plan, error) {
	switch queryType {
	case "run_status":
		if runID := p.str("runId"); runID != "" {
			return &Plan{Bin: "ic", Signature: "ic run status --json",
				Args: []string{"run", "status", runID, "--json"}}, nil
		}
		return &Plan{Bin: "ic", Signature: "ic run current --json",
			Args: []string{"run", "current", "--json"}}, nil
	case "sprint_phase":
		return &Plan{Bin: "ic", Signature: "ic run phase --json",
			Args: []string{"run", "phase", "--json"}}, nil
	case "search_beads":
		if id := p.str("id"); id != "" {
			return &Plan{Bin: "bd", Signature: "bd show --json",
				Args: []string{"show", id, "--json"}}, nil
		}
		args := []string{"list", "--json"}
		if status := p.str("status"); status != "" {
			args = append(args, "--status="+status)
		}
		if q := p.str("query"); q != "" {
			args = append(args, "--search="+q)
		}
		return &Plan{Bin: "bd", Signature: "bd list --json", Args: args}, nil
	case "spec_lookup":
		if artifactID := p.str("artifactId"); artifactID != "" {
			return &Plan{Bin: "ic", Signature: "ic run artifact get --json",
				Args: []string{"run", "artifact", "get", artifactID, "--json"}}, nil
		}
		return &Plan{Bin: "ic", Signature: "ic run artifact list --json",
			Args: []string{"run", "artifact", "list", "--json"}}, nil
	case "next_work":
		return &Plan{Bin: "bd", Signature: "bd ready --json",
			Args: []string{"ready", "--json"}}, nil
	case "run_events":
		args := []string{"events", "tail", "--json"}
		if limit := p.str("limit"); limit != "" {
			args = append(args, "--limit="+limit)
		}
		if since := p.str("since"); since != "" {
			args = append(args, "--since="+since)
		}
		return &Plan{Bin: "ic", Signature: "ic events tail --json", Args: args}, nil
	}
	return nil, nil
}

// planWrite maps write query types to command plans.
func planWrite(queryType string, p params) (*Plan, error) {
	switch queryType {
	case "create_issue":
		title := p.str("title")
		if title == "" {
			return nil, fmt.Errorf("create_issue requires a title")
		}
		args := []string{"create", title, "--json"}
		if desc := p.str("description"); desc != "" {
			args = append(args, "--description="+desc)
		}
		if prio := p.str("priority"); prio != "" {
			args = append(args, "--priority="+prio)
		}
		return &Plan{Bin: "bd", Signature: "bd create --json", Args: args}, nil
	case "update_issue":
		id := p.str("id")
		if id == "" {
			return nil, fmt.Errorf("update_issue requires an id")
		}
		args := []string{"update", id, "--json"}
		if status := p.str("status"); status != "" {
			args = append(args, "--status="+status)
		}
		if notes := p.str("notes"); notes != "" {
			args = append(args, "--notes="+notes)
		}
		return &Plan{Bin: "bd", Signature: "bd update --json", Args: args}, nil
	case "close_issue":
		id := p.str("id")
		if id == "" {
			return nil, fmt.Errorf("close_issue requires an id")
		}
		args := []string{"close", id, "--json"}
		if reason := p.str("reason"); reason != "" {
			args = append(args, "--reason="+reason)
		}
		return &Plan{Bin: "bd", Signature: "bd close --json", Args: args}, nil
	case "start_run":
		args := []string{"run", "create", "--json"}
		if title := p.str("title"); title != "" {
			args = append(args, "--title="+title)
		}
		return &Plan{Bin: "ic", Signature: "ic run create --json", Args: args}, nil
	case "approve_gate":
		args := []string{"gate", "override", "--json"}
		if gateID := p.str("gate_id"); gateID != "" {
			args = append(args, gateID)
		}
		return &Plan{Bin: "ic", Signature: "ic gate override --json", Args: args}, nil
	}
	return nil, nil
}

// allowed checks a plan signature against an allowlist.
func (a *Adapter) allowed(signature string, allowlist []string) bool {
	for _, entry := range allowlist {
		if entry == signature {
			return true
		}
	}
	return false
}

// run executes a plan with the safe-exec primitive: fixed argv, no shell,
// bounded by the configured timeout.
func (a *Adapter) run(ctx context.Context, plan *Plan) Response {
	if _, err := exec.LookPath(plan.Bin); err != nil {
		return fail(standaloneMsg)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, plan.Bin, plan.Args...).Output()
	if ctx.Err() == context.DeadlineExceeded {
		return fail(fmt.Sprintf("%s timed out after %s", plan.Signature, a.cfg.Timeout))
	}
	if err != nil {
		var detail string
		if ee, okErr := err.(*exec.ExitError); okErr {
			detail = strings.TrimSpace(string(ee.Stderr))
		}
		if detail == "" {
			detail = err.Error()
		}
		a.logger.Warn("query command failed", "signature", plan.Signature, "error", err)
		return fail(fmt.Sprintf("%s failed: %s", plan.Signature, detail))
	}

	return ok(strings.TrimSpace(string(out)))
}
