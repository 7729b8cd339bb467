package query

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func testConfig() Config {
	return Config{
		Enabled: true,
		ReadAllowlist: []string{
			"ic run current --json",
			"ic run status --json",
			"bd list --json",
			"bd show --json",
			"bd ready --json",
		},
		WriteAllowlist: []string{
			"bd create --json",
			"bd close --json",
		},
		RequireMainGroupForWrites: true,
	}
}

func TestAdapter_Disabled(t *testing.T) {
	t.Parallel()

	a := New(Config{Enabled: false}, nil)
	resp := a.Execute(context.Background(), "next_work", nil, true)
	if resp.OK {
		t.Error("disabled adapter should refuse")
	}
}

func TestAdapter_UnknownType(t *testing.T) {
	t.Parallel()

	a := New(testConfig(), nil)
	resp := a.Execute(context.Background(), "mystery_op", nil, true)
	if resp.OK || !strings.Contains(resp.Result, "unknown query type") {
		t.Errorf("resp = %+v", resp)
	}
}

func TestAdapter_WriteRequiresMain(t *testing.T) {
	t.Parallel()

	a := New(testConfig(), nil)
	params, _ := json.Marshal(map[string]string{"title": "New bug"})
	resp := a.Execute(context.Background(), "create_issue", params, false)
	if resp.OK || !strings.Contains(resp.Result, "main group") {
		t.Errorf("non-main write should be refused: %+v", resp)
	}
}

func TestAdapter_WriteMissingRequiredParam(t *testing.T) {
	t.Parallel()

	a := New(testConfig(), nil)
	resp := a.Execute(context.Background(), "create_issue", nil, true)
	if resp.OK || !strings.Contains(resp.Result, "requires a title") {
		t.Errorf("resp = %+v", resp)
	}
}

func TestAdapter_ReadNotAllowlisted(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ReadAllowlist = nil
	a := New(cfg, nil)
	resp := a.Execute(context.Background(), "next_work", nil, true)
	if resp.OK || !strings.Contains(resp.Result, "not allowlisted") {
		t.Errorf("resp = %+v", resp)
	}
}

func TestAdapter_MissingBinaryDegradesGracefully(t *testing.T) {
	t.Parallel()

	// The backing CLIs are not installed in CI; an allowlisted read must
	// come back as a standalone-mode error, not a crash.
	a := New(testConfig(), nil)
	resp := a.Execute(context.Background(), "next_work", nil, true)
	if resp.OK {
		t.Skip("bd binary happens to be installed")
	}
	if resp.Result != standaloneMsg {
		t.Errorf("result = %q, want standalone message", resp.Result)
	}
}

func TestPlanRead_Shapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		queryType string
		params    params
		wantBin   string
		wantSig   string
		wantArg   string
	}{
		{"run status with id", "run_status", params{"runId": "abc"}, "ic", "ic run status --json", "abc"},
		{"run status current", "run_status", params{}, "ic", "ic run current --json", "current"},
		{"search by id", "search_beads", params{"id": "b-1"}, "bd", "bd show --json", "b-1"},
		{"search by status", "search_beads", params{"status": "open"}, "bd", "bd list --json", "--status=open"},
		{"next work", "next_work", params{}, "bd", "bd ready --json", "ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			plan, err := planRead(tt.queryType, tt.params)
			if err != nil {
				t.Fatal(err)
			}
			if plan == nil {
				t.Fatal("plan is nil")
			}
			if plan.Bin != tt.wantBin || plan.Signature != tt.wantSig {
				t.Errorf("plan = %+v", plan)
			}
			found := false
			for _, a := range plan.Args {
				if a == tt.wantArg {
					found = true
				}
			}
			if !found {
				t.Errorf("args %v missing %q", plan.Args, tt.wantArg)
			}
		})
	}
}

func TestPlanWrite_CloseIssue(t *testing.T) {
	t.Parallel()

	plan, err := planWrite("close_issue", params{"id": "b-7", "reason": "fixed"})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Bin != "bd" || plan.Signature != "bd close --json" {
		t.Errorf("plan = %+v", plan)
	}

	if _, err := planWrite("close_issue", params{}); err == nil {
		t.Error("close_issue without id should error")
	}
}
