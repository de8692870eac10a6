package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ImCalebP/ai-employee/internal/backup"
	"github.com/ImCalebP/ai-employee/internal/engine"
	"github.com/ImCalebP/ai-employee/internal/importer"
	"github.com/ImCalebP/ai-employee/internal/server"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// resetFlags restores every flag to its default so one invocation's values
// do not leak into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(RootCmd)
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&out)
	RootCmd.SetArgs(args)
	err := RootCmd.Execute()
	return out.String(), err
}

// writeConfig creates a config file pointing the store at a temp directory.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "aie.yaml")
	body := "storage:\n  data_path: " + filepath.Join(dir, "data") + "\n" +
		"transport:\n  websocket: false\n" +
		"logging:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestReadPlan_YAMLAndJSON(t *testing.T) {
	want := &types.ActionPlan{
		ID:             "p1",
		ConversationID: "conv-1",
		Steps: []types.ActionStep{
			{ID: "find", Action: types.ActionContextEnrichment, Params: map[string]any{"query": "invoice", "limit": 3}},
			{ID: "answer", Action: types.ActionReply, DependsOn: []string{"find"},
				Params: map[string]any{"text": "{{step:find.summary}}"}},
		},
	}

	yamlPlan := writeFile(t, "plan.yaml", `
id: p1
conversation_id: conv-1
steps:
  - id: find
    action: context_enrichment
    params:
      query: invoice
      limit: 3
  - id: answer
    action: reply
    depends_on: [find]
    params:
      text: "{{step:find.summary}}"
`)
	jsonPlan := writeFile(t, "plan.json", `{
  "id": "p1",
  "conversation_id": "conv-1",
  "steps": [
    {"id": "find", "action": "context_enrichment", "params": {"query": "invoice", "limit": 3}},
    {"id": "answer", "action": "reply", "depends_on": ["find"], "params": {"text": "{{step:find.summary}}"}}
  ]
}`)

	for _, path := range []string{yamlPlan, jsonPlan} {
		got, err := readPlan(nil, path)
		require.NoError(t, err, path)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("readPlan(%s) mismatch (-want +got):\n%s", filepath.Base(path), diff)
		}
	}
}

func TestReadPlan_Stdin(t *testing.T) {
	got, err := readPlan(strings.NewReader("id: p2\nconversation_id: c\nsteps: []\n"), "-")
	require.NoError(t, err)
	assert.Equal(t, "p2", got.ID)
	assert.Empty(t, got.Steps)
}

func TestReadPlan_Errors(t *testing.T) {
	_, err := readPlan(nil, writeFile(t, "bad.yaml", "id: p1\nstepz: []\n"))
	assert.ErrorIs(t, err, types.ErrInvalidPlan)

	_, err = readPlan(nil, filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read plan")
}

func TestParseFields(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		{name: "empty", pairs: nil, want: map[string]string{}},
		{name: "trimmed", pairs: []string{" email = sarah@acme.com "}, want: map[string]string{"email": "sarah@acme.com"}},
		{name: "value with equals", pairs: []string{"note=a=b"}, want: map[string]string{"note": "a=b"}},
		{name: "missing separator", pairs: []string{"email"}, wantErr: true},
		{name: "missing key", pairs: []string{"=x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFields(tt.pairs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlanValidate(t *testing.T) {
	cfg := writeConfig(t)

	ok := writeFile(t, "ok.yaml", "id: p\nconversation_id: c\nsteps:\n  - id: a\n    action: reply\n    params: {text: hi}\n")
	out, err := run(t, "--config", cfg, "plan", "validate", ok)
	require.NoError(t, err)
	assert.Contains(t, out, "plan is valid: 1 steps")

	cycle := writeFile(t, "cycle.yaml", `
id: p
conversation_id: c
steps:
  - {id: a, action: reply, depends_on: [b], params: {text: x}}
  - {id: b, action: reply, depends_on: [a], params: {text: y}}
`)
	_, err = run(t, "--config", cfg, "plan", "validate", cycle)
	assert.ErrorIs(t, err, types.ErrInvalidPlan)
}

func TestPlanRun(t *testing.T) {
	cfg := writeConfig(t)
	plan := writeFile(t, "plan.yaml", `
conversation_id: conv-1
steps:
  - id: ack
    action: reply
    params:
      text: Working on it
  - id: todo
    action: create_task
    depends_on: [ack]
    params:
      title: Send the roadmap
      description: "{{step:ack.text}}"
`)

	out, err := run(t, "--config", cfg, "plan", "run", plan, "--conversation", "conv-9")
	require.NoError(t, err)

	var resp server.PlanResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.NotEmpty(t, resp.PlanID)
	assert.Equal(t, 2, resp.Summary.Succeeded)
	assert.Equal(t, types.StepSucceeded, resp.Results["todo"].Status)

	taskID, _ := resp.Results["todo"].Payload["task_id"].(string)
	require.NotEmpty(t, taskID)

	out, err = run(t, "--config", cfg, "entity", "get", taskID)
	require.NoError(t, err)
	var task types.Entity
	require.NoError(t, json.Unmarshal([]byte(out), &task))
	assert.Equal(t, "Working on it", task.Text)
	assert.Equal(t, "conv-9", task.Field("conversation_id"))
}

func TestEntityAddAndResolve(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "--config", cfg, "entity", "add",
		"--name", "Sarah Connor", "--email", "Sarah@Acme.com",
		"--first", "Sarah", "--last", "Connor", "--group", "Acme",
		"--alias", "SC", "--field", "role=CTO")
	require.NoError(t, err)
	var added types.Entity
	require.NoError(t, json.Unmarshal([]byte(out), &added))
	assert.Equal(t, "sarah@acme.com", added.PrimaryKey)
	assert.Equal(t, "CTO", added.Field("role"))

	out, err = run(t, "--config", cfg, "resolve", "Sarah", "--conversation", "conv-1")
	require.NoError(t, err)
	var res engine.Resolution
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, engine.OutcomeResolved, res.Outcome)
	require.NotNil(t, res.Entity)
	assert.Equal(t, added.ID, res.Entity.ID)

	out, err = run(t, "--config", cfg, "entity", "get", added.ID)
	require.NoError(t, err)
	var got entityView
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "Sarah Connor", got.Name)
	assert.Equal(t, 1, got.MentionCount)
	require.NotNil(t, got.LastMentionedAt)

	out, err = run(t, "--config", cfg, "entity", "list", "--class", "contact")
	require.NoError(t, err)
	var list []types.Entity
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Sarah Connor", list[0].Name)
}

func TestPendingLifecycle(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "--config", cfg, "resolve", "Miles", "Dyson", "--conversation", "conv-1", "--known", "company=Cyberdyne")
	require.NoError(t, err)
	var res engine.Resolution
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, engine.OutcomeNeedsInfo, res.Outcome)
	require.NotNil(t, res.Pending)
	id := res.Pending.ID
	assert.Equal(t, []string{"email"}, res.Pending.MissingFields)

	out, err = run(t, "--config", cfg, "pending", "list", "--conversation", "conv-1")
	require.NoError(t, err)
	var listed server.PendingListResponse
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed.Pending["conv-1"], 1)
	assert.Contains(t, listed.Prompts["conv-1"], "Miles Dyson")

	_, err = run(t, "--config", cfg, "pending", "complete", id)
	assert.ErrorIs(t, err, engine.ErrMissingFields)

	out, err = run(t, "--config", cfg, "pending", "info", id, "email=miles@cyberdyne.com")
	require.NoError(t, err)
	var updated types.PendingEntity
	require.NoError(t, json.Unmarshal([]byte(out), &updated))
	assert.Equal(t, types.PendingGathering, updated.Status)
	assert.Empty(t, updated.MissingFields)

	out, err = run(t, "--config", cfg, "pending", "complete", id)
	require.NoError(t, err)
	var done server.CompleteResponse
	require.NoError(t, json.Unmarshal([]byte(out), &done))
	assert.True(t, done.Completed)
	require.NotNil(t, done.Entity)
	assert.Equal(t, "miles@cyberdyne.com", done.Entity.PrimaryKey)

	out, err = run(t, "--config", cfg, "pending", "abandon", id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"abandoned": false}`, out)
}

func TestPendingClose(t *testing.T) {
	cfg := writeConfig(t)

	for _, name := range []string{"Kyle", "Reese"} {
		_, err := run(t, "--config", cfg, "resolve", name, "--conversation", "conv-2")
		require.NoError(t, err)
	}

	out, err := run(t, "--config", cfg, "pending", "close", "conv-2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"abandoned": 2}`, out)
}

func TestSearch_WithoutEmbedder(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, "--config", cfg, "search", "quarterly", "invoice")
	assert.ErrorIs(t, err, engine.ErrNoEmbedder)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	cfg := writeConfig(t)
	t.Setenv("AIE_CONFIG", cfg)

	out, err := run(t, "entity", "list")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestUnknownConfigKey(t *testing.T) {
	bad := writeFile(t, "bad.yaml", "storage:\n  engine_name: sqlite\n")

	_, err := run(t, "--config", bad, "entity", "list")
	require.Error(t, err)
}

func contactNames(t *testing.T, cfg string) []string {
	t.Helper()
	out, err := run(t, "--config", cfg, "entity", "list", "--class", "contact")
	require.NoError(t, err)
	var list []types.Entity
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	names := make([]string, 0, len(list))
	for _, e := range list {
		names = append(names, e.Name)
	}
	return names
}

func TestBackupCreateAndRestore(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, "--config", cfg, "entity", "add", "--name", "Sarah Connor", "--email", "sarah@acme.com")
	require.NoError(t, err)

	out, err := run(t, "--config", cfg, "backup", "create")
	require.NoError(t, err)
	var snap backup.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.True(t, snap.Verified)
	assert.FileExists(t, snap.Path)

	out, err = run(t, "--config", cfg, "backup", "list")
	require.NoError(t, err)
	var snaps []backup.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, snap.Path, snaps[0].Path)

	_, err = run(t, "--config", cfg, "entity", "add", "--name", "Kyle Reese", "--email", "kyle@resistance.org")
	require.NoError(t, err)
	assert.Len(t, contactNames(t, cfg), 2)

	out, err = run(t, "--config", cfg, "backup", "restore", snap.Path)
	require.NoError(t, err)
	assert.Contains(t, out, "restored")
	assert.Equal(t, []string{"Sarah Connor"}, contactNames(t, cfg))

	out, err = run(t, "--config", cfg, "backup", "status")
	require.NoError(t, err)
	var st backup.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 1, st.Snapshots)

	out, err = run(t, "--config", cfg, "backup", "prune")
	require.NoError(t, err)
	assert.JSONEq(t, `{"removed": 0}`, out)
}

func TestBackup_RequiresSQLiteOnDisk(t *testing.T) {
	mem := writeFile(t, "mem.yaml", "storage:\n  data_path: \":memory:\"\nlogging:\n  level: error\n")

	_, err := run(t, "--config", mem, "backup", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "on-disk sqlite")
}

func TestCommands_SpoolNotifications(t *testing.T) {
	cfg := writeConfig(t)
	plan := writeFile(t, "plan.yaml", "id: p1\nconversation_id: conv-5\nsteps:\n  - id: hi\n    action: reply\n    params:\n      text: hello\n")

	_, err := run(t, "--config", cfg, "plan", "run", plan)
	require.NoError(t, err)

	files, err := filepath.Glob(filepath.Join(filepath.Dir(cfg), "data", "outbox", "*.notification"))
	require.NoError(t, err)
	assert.NotEmpty(t, files)
}

func TestImportThenResolveDocument(t *testing.T) {
	cfg := writeConfig(t)
	vault := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(vault, "roadmap.md"),
		[]byte("---\ntitle: Q3 Roadmap\naliases: [roadmap]\n---\nShip billing.\n"), 0o600))

	out, err := run(t, "--config", cfg, "import", vault)
	require.NoError(t, err)
	var res importer.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.Created)

	out, err = run(t, "--config", cfg, "resolve", "Q3 Roadmap", "--class", "document", "--conversation", "conv-7")
	require.NoError(t, err)
	var resolved engine.Resolution
	require.NoError(t, json.Unmarshal([]byte(out), &resolved))
	assert.Equal(t, engine.OutcomeResolved, resolved.Outcome)
	require.NotNil(t, resolved.Entity)
	assert.Equal(t, "Q3 Roadmap", resolved.Entity.Name)
}
