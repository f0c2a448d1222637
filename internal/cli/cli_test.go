package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/testutil"
	"github.com/opensource-finance/kestrel/internal/worker"
)

const testPolicyPath = "../../policies/policy_v1.yaml"

// setupCLI points the commands at a temporary database and the shipped policy.
func setupCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("KESTREL_REPOSITORY_SQLITE_PATH", filepath.Join(dir, "kestrel.db"))
	t.Setenv("KESTREL_LOGGING_LEVEL", "error")
	t.Setenv("KESTREL_LLM_PROVIDER", "offline")

	configPath = ""
	policyPath = testPolicyPath
	logLevel = ""
	return dir
}

func newTestCommand() (*cobra.Command, *bytes.Buffer, *bytes.Buffer) {
	cmd := &cobra.Command{}
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetContext(context.Background())
	return cmd, &out, &errOut
}

func writeFile(t *testing.T, dir, name string, lines ...[]byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := bytes.Join(lines, []byte("\n"))
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func readJSONLines(t *testing.T, data []byte) []json.RawMessage {
	t.Helper()
	var out []json.RawMessage
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out = append(out, append(json.RawMessage(nil), line...))
	}
	return out
}

func TestRunCommand(t *testing.T) {
	t.Run("CaseFile", func(t *testing.T) {
		dir := setupCLI(t)
		runCasePath = writeFile(t, dir, "case.json", testutil.SARCryptoCase().JSON())
		runCaseID = ""
		runEvents = false

		cmd, out, _ := newTestCommand()
		if err := runRun(cmd, nil); err != nil {
			t.Fatalf("runRun failed: %v", err)
		}

		var result domain.Output
		if err := json.Unmarshal(out.Bytes(), &result); err != nil {
			t.Fatalf("failed to decode output: %v", err)
		}
		if result.CaseID != "CASE-SAR" {
			t.Errorf("expected case_id CASE-SAR, got %s", result.CaseID)
		}
		if result.PolicyDecision == nil || result.PolicyDecision.Decision != domain.TierSARReviewL2 {
			t.Errorf("expected SAR_REVIEW_L2, got %+v", result.PolicyDecision)
		}
		if !result.ValidationOK {
			t.Errorf("expected validation_ok, got errors %v", result.ValidationErrors)
		}
	})

	t.Run("Events", func(t *testing.T) {
		dir := setupCLI(t)
		runCasePath = writeFile(t, dir, "case.json", testutil.L1Case().JSON())
		runCaseID = ""
		runEvents = true
		defer func() { runEvents = false }()

		cmd, out, _ := newTestCommand()
		if err := runRun(cmd, nil); err != nil {
			t.Fatalf("runRun failed: %v", err)
		}

		lines := readJSONLines(t, out.Bytes())
		if len(lines) < 2 {
			t.Fatalf("expected progress and done events, got %d lines", len(lines))
		}
		var first, last struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(lines[0], &first)
		_ = json.Unmarshal(lines[len(lines)-1], &last)
		if first.Type != "progress" {
			t.Errorf("expected first event progress, got %s", first.Type)
		}
		if last.Type != "done" {
			t.Errorf("expected last event done, got %s", last.Type)
		}
	})

	t.Run("Stdin", func(t *testing.T) {
		setupCLI(t)
		runCasePath = "-"
		runCaseID = ""

		cmd, out, _ := newTestCommand()
		cmd.SetIn(bytes.NewReader(testutil.CleanCase().JSON()))
		if err := runRun(cmd, nil); err != nil {
			t.Fatalf("runRun failed: %v", err)
		}
		var result domain.Output
		if err := json.Unmarshal(out.Bytes(), &result); err != nil {
			t.Fatalf("failed to decode output: %v", err)
		}
		if result.PolicyDecision.Decision != domain.TierCloseNoAction {
			t.Errorf("expected CLOSE_NO_ACTION, got %s", result.PolicyDecision.Decision)
		}
	})

	t.Run("UnknownCatalogCase", func(t *testing.T) {
		setupCLI(t)
		runCasePath = ""
		runCaseID = "CASE-MISSING"
		defer func() { runCaseID = "" }()

		cmd, _, _ := newTestCommand()
		err := runRun(cmd, nil)
		if err == nil || !strings.Contains(err.Error(), "not found") {
			t.Errorf("expected not found error, got %v", err)
		}
	})

	t.Run("MissingPolicy", func(t *testing.T) {
		dir := setupCLI(t)
		policyPath = filepath.Join(dir, "absent.yaml")
		runCasePath = writeFile(t, dir, "case.json", testutil.CleanCase().JSON())

		cmd, _, _ := newTestCommand()
		if err := runRun(cmd, nil); err == nil {
			t.Error("expected error for missing policy file")
		}
	})
}

func TestCasesCommands(t *testing.T) {
	dir := setupCLI(t)
	file := writeFile(t, dir, "cases.jsonl",
		testutil.CleanCase().JSON(),
		[]byte(""),
		testutil.L1Case().JSON(),
		[]byte(`{"customer_id":"CUST-NO-CASE"}`),
	)

	t.Run("Import", func(t *testing.T) {
		cmd, out, _ := newTestCommand()
		if err := runCasesImport(cmd, []string{file}); err != nil {
			t.Fatalf("runCasesImport failed: %v", err)
		}
		if got := strings.TrimSpace(out.String()); got != "imported 2 cases, skipped 1" {
			t.Errorf("expected 2 imported and 1 skipped, got %q", got)
		}
	})

	t.Run("List", func(t *testing.T) {
		casesListLimit = 10
		cmd, out, _ := newTestCommand()
		if err := runCasesList(cmd, nil); err != nil {
			t.Fatalf("runCasesList failed: %v", err)
		}
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		if len(lines) != 2 {
			t.Fatalf("expected 2 cases, got %d: %q", len(lines), out.String())
		}
	})

	t.Run("Get", func(t *testing.T) {
		cmd, out, _ := newTestCommand()
		if err := runCasesGet(cmd, []string{"CASE-L1"}); err != nil {
			t.Fatalf("runCasesGet failed: %v", err)
		}
		c, err := domain.ParseEnrichedCase(out.Bytes())
		if err != nil {
			t.Fatalf("failed to parse stored case: %v", err)
		}
		if c.CustomerID != "CUST-L1" {
			t.Errorf("expected CUST-L1, got %s", c.CustomerID)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		cmd, _, _ := newTestCommand()
		if err := runCasesGet(cmd, []string{"CASE-NOPE"}); err == nil {
			t.Error("expected error for unknown case")
		}
	})

	t.Run("RunFromCatalog", func(t *testing.T) {
		runCasePath = ""
		runCaseID = "CASE-L1"
		runEvents = false
		defer func() { runCaseID = "" }()

		cmd, out, _ := newTestCommand()
		if err := runRun(cmd, nil); err != nil {
			t.Fatalf("runRun failed: %v", err)
		}
		var result domain.Output
		if err := json.Unmarshal(out.Bytes(), &result); err != nil {
			t.Fatalf("failed to decode output: %v", err)
		}
		if result.PolicyDecision.Decision != domain.TierL1Review {
			t.Errorf("expected L1_REVIEW, got %s", result.PolicyDecision.Decision)
		}
	})
}

func TestBatchCommand(t *testing.T) {
	dir := setupCLI(t)
	batchIn = writeFile(t, dir, "cases.jsonl",
		testutil.SARCryptoCase().JSON(),
		testutil.CleanCase().JSON(),
		testutil.L1Case().JSON(),
		[]byte(`{"case_id": 42}`),
	)
	batchOut = filepath.Join(dir, "results.jsonl")
	batchConcurrency = 2

	cmd, _, _ := newTestCommand()
	if err := runBatch(cmd, nil); err != nil {
		t.Fatalf("runBatch failed: %v", err)
	}

	data, err := os.ReadFile(batchOut)
	if err != nil {
		t.Fatalf("failed to read results: %v", err)
	}
	lines := readJSONLines(t, data)
	if len(lines) != 4 {
		t.Fatalf("expected 4 result lines, got %d", len(lines))
	}

	expected := []domain.Tier{domain.TierSARReviewL2, domain.TierCloseNoAction, domain.TierL1Review}
	for i, tier := range expected {
		var res worker.ResultMessage
		if err := json.Unmarshal(lines[i], &res); err != nil {
			t.Fatalf("line %d: failed to decode: %v", i+1, err)
		}
		if res.Failed() {
			t.Fatalf("line %d: unexpected failure: %s", i+1, res.Error)
		}
		if res.Result.PolicyDecision.Decision != tier {
			t.Errorf("line %d: expected %s, got %s", i+1, tier, res.Result.PolicyDecision.Decision)
		}
	}

	var bad worker.ResultMessage
	if err := json.Unmarshal(lines[3], &bad); err != nil {
		t.Fatalf("failed to decode last line: %v", err)
	}
	if !bad.Failed() || !strings.Contains(bad.Error, "line 4") {
		t.Errorf("expected line 4 failure, got %+v", bad)
	}
}

func TestEvaluateCommand(t *testing.T) {
	dir := setupCLI(t)
	evalCases = writeFile(t, dir, "cases.jsonl",
		testutil.SARCryptoCase().JSON(),
		testutil.CleanCase().JSON(),
		testutil.L1Case().JSON(),
	)
	evalTruth = writeFile(t, dir, "truth.jsonl",
		[]byte(`{"case_id":"CASE-SAR","decision":"SAR_REVIEW_L2"}`),
		[]byte(`{"case_id":"CASE-CLEAN","decision":"CLOSE_NO_ACTION"}`),
		[]byte(`{"case_id":"CASE-L1","decision":"ESCALATE_L2"}`),
	)
	evalMismatches = filepath.Join(dir, "mismatches.jsonl")
	evalConcurrency = 2

	cmd, out, _ := newTestCommand()
	if err := runEvaluate(cmd, nil); err != nil {
		t.Fatalf("runEvaluate failed: %v", err)
	}

	text := out.String()
	if !strings.Contains(text, "Total evaluated: 3") {
		t.Errorf("expected 3 evaluated, got:\n%s", text)
	}
	if !strings.Contains(text, "Accuracy: 0.6667") {
		t.Errorf("expected accuracy 0.6667, got:\n%s", text)
	}
	if !strings.Contains(text, "FN (missed escalation): 1") {
		t.Errorf("expected one missed escalation, got:\n%s", text)
	}

	data, err := os.ReadFile(evalMismatches)
	if err != nil {
		t.Fatalf("failed to read mismatches: %v", err)
	}
	lines := readJSONLines(t, data)
	if len(lines) != 1 || !bytes.Contains(lines[0], []byte("CASE-L1")) {
		t.Errorf("expected one CASE-L1 mismatch, got %s", data)
	}
}

func TestPolicyValidateCommand(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		setupCLI(t)
		cmd, out, _ := newTestCommand()
		if err := runPolicyValidate(cmd, nil); err != nil {
			t.Fatalf("runPolicyValidate failed: %v", err)
		}
		if !strings.Contains(out.String(), ": ok") {
			t.Errorf("expected ok, got %q", out.String())
		}
		if !strings.Contains(out.String(), "l1_score_120") {
			t.Errorf("expected rule listing, got %q", out.String())
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		dir := setupCLI(t)
		data, err := os.ReadFile(testPolicyPath)
		if err != nil {
			t.Fatalf("failed to read policy: %v", err)
		}
		broken := strings.Replace(string(data), "predicate: aggregated_score >= 120", "predicate: aggregated_score >=", 1)
		broken = strings.Replace(broken, "  - SAR_REVIEW_L2\n", "  - SAR_REVIEW_L3\n", 1)
		path := writeFile(t, dir, "broken.yaml", []byte(broken))

		cmd, _, errOut := newTestCommand()
		err = runPolicyValidate(cmd, []string{path})
		if err == nil {
			t.Fatal("expected validation error")
		}
		if !strings.Contains(errOut.String(), "problem(s)") {
			t.Errorf("expected problem listing, got %q", errOut.String())
		}
		if strings.Count(errOut.String(), "  - ") < 2 {
			t.Errorf("expected every problem listed, got %q", errOut.String())
		}
	})
}

func TestReplay(t *testing.T) {
	dir := setupCLI(t)
	runCasePath = writeFile(t, dir, "case.json", testutil.SARCryptoCase().JSON())
	runCaseID = ""
	runEvents = false

	cmd, _, _ := newTestCommand()
	if err := runRun(cmd, nil); err != nil {
		t.Fatalf("runRun failed: %v", err)
	}

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(dir, "kestrel.db"),
	})
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	audits, err := repo.ListAudits(context.Background(), "CASE-SAR")
	_ = repo.Close()
	if err != nil {
		t.Fatalf("ListAudits failed: %v", err)
	}
	if len(audits) != 1 {
		t.Fatalf("expected 1 audit, got %d", len(audits))
	}

	spec, err := policy.Load(testPolicyPath)
	if err != nil {
		t.Fatalf("failed to load policy: %v", err)
	}

	t.Run("NoDrift", func(t *testing.T) {
		rows := Replay(audits, spec)
		if len(rows) != 1 {
			t.Fatalf("expected 1 row, got %d", len(rows))
		}
		if rows[0].Drift {
			t.Errorf("expected no drift, got %+v", rows[0])
		}
		if rows[0].CurrentDecision != domain.TierSARReviewL2 {
			t.Errorf("expected SAR_REVIEW_L2, got %s", rows[0].CurrentDecision)
		}
	})

	t.Run("Drift", func(t *testing.T) {
		doctored := *audits[0]
		doctored.Decision = domain.TierL1Review
		rows := Replay([]*domain.DecisionAudit{&doctored}, spec)
		if !rows[0].Drift {
			t.Error("expected drift for a changed decision")
		}
	})

	t.Run("Command", func(t *testing.T) {
		replayCaseID = "CASE-SAR"
		replayFormat = "text"
		cmd, out, _ := newTestCommand()
		if err := runReplay(cmd, nil); err != nil {
			t.Fatalf("runReplay failed: %v", err)
		}
		if !strings.Contains(out.String(), "1 audited decision(s), 0 drifted") {
			t.Errorf("unexpected replay summary: %q", out.String())
		}
	})

	t.Run("UnknownCase", func(t *testing.T) {
		replayCaseID = "CASE-NONE"
		cmd, _, _ := newTestCommand()
		if err := runReplay(cmd, nil); err == nil {
			t.Error("expected error for a case without audits")
		}
	})
}

func TestReadCaseLines(t *testing.T) {
	t.Run("SkipsBlankLines", func(t *testing.T) {
		lines, err := readCaseLines(strings.NewReader("{\"case_id\":\"A\"}\n\n  \n{\"case_id\":\"B\"}\n"))
		if err != nil {
			t.Fatalf("readCaseLines failed: %v", err)
		}
		if len(lines) != 2 {
			t.Fatalf("expected 2 lines, got %d", len(lines))
		}
		if lines[1].Line != 4 {
			t.Errorf("expected line 4, got %d", lines[1].Line)
		}
	})

	t.Run("RejectsNonObject", func(t *testing.T) {
		_, err := readCaseLines(strings.NewReader("{\"case_id\":\"A\"}\n[1,2]\n"))
		if err == nil || !strings.Contains(err.Error(), "line 2") {
			t.Errorf("expected line 2 error, got %v", err)
		}
	})
}

func TestVersionCommand(t *testing.T) {
	cmd, out, _ := newTestCommand()
	versionCmd.Run(cmd, nil)

	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("failed to decode version: %v", err)
	}
	if info["name"] != "kestrel" {
		t.Errorf("expected name kestrel, got %s", info["name"])
	}
	if info["version"] != Version {
		t.Errorf("expected version %s, got %s", Version, info["version"])
	}
}

func TestRootCommandTree(t *testing.T) {
	want := []string{"serve", "run", "batch", "evaluate", "cases", "policy", "replay", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("expected subcommand %s, got %v (err %v)", name, cmd, err)
		}
	}
}
