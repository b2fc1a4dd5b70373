package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"rexec/internal/types"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testHost() *types.Host {
	return &types.Host{
		Name:      "web-1",
		Kind:      types.HostKindSSH,
		Address:   "10.0.0.5",
		Port:      22,
		Username:  "deploy",
		Elevation: types.Elevation{Mode: types.ElevationSu, User: "root", Shell: "/bin/bash"},
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := t.TempDir() + "/test.db"
	for i := 0; i < 2; i++ {
		db, err := Open(path)
		if err != nil {
			t.Fatalf("Open #%d: %v", i+1, err)
		}
		db.Close()
	}
}

func TestUpsertAndGetHost(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	h := testHost()
	if err := db.UpsertHost(ctx, h); err != nil {
		t.Fatalf("UpsertHost: %v", err)
	}
	if h.ID == "" {
		t.Fatal("expected an id to be assigned")
	}

	got, err := db.GetHost(ctx, h.ID)
	if err != nil {
		t.Fatalf("GetHost: %v", err)
	}
	if got.Name != h.Name || got.Elevation != h.Elevation || got.Port != 22 || got.Status != types.HostStatusUnknown {
		t.Errorf("GetHost = %+v", got)
	}

	byName, err := db.FindHost(ctx, "web-1")
	if err != nil || byName.ID != h.ID {
		t.Fatalf("FindHost by name = %+v, %v", byName, err)
	}

	h.Port = 2222
	if err := db.UpsertHost(ctx, h); err != nil {
		t.Fatalf("update host: %v", err)
	}
	got, _ = db.GetHost(ctx, h.ID)
	if got.Port != 2222 {
		t.Errorf("Port = %d after update", got.Port)
	}

	if _, err := db.GetHost(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetHost(missing) err = %v", err)
	}
}

func TestHostIdentityIsUnique(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if err := db.UpsertHost(ctx, testHost()); err != nil {
		t.Fatal(err)
	}
	dup := testHost()
	dup.Name = "web-1-copy"
	if err := db.UpsertHost(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestSetHostStatus(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	h := testHost()
	db.UpsertHost(ctx, h)

	now := time.Now()
	if err := db.SetHostStatus(ctx, h.ID, types.HostStatusOnline, now); err != nil {
		t.Fatalf("SetHostStatus: %v", err)
	}
	// A later catalog update must not reset the status.
	db.UpsertHost(ctx, h)
	got, _ := db.GetHost(ctx, h.ID)
	if got.Status != types.HostStatusOnline || !got.StatusChecked.Equal(now.UTC()) {
		t.Errorf("status = %s at %s", got.Status, got.StatusChecked)
	}
	if err := db.SetHostStatus(ctx, "missing", types.HostStatusOffline, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCredentials(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	h := testHost()
	db.UpsertHost(ctx, h)

	if _, err := db.GetCredential(ctx, h.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	sc := types.SealedCredential{HostID: h.ID, Password: "v1.a.b", ElevationSecret: "v1.a.c"}
	if err := db.PutCredential(ctx, sc); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}
	got, err := db.GetCredential(ctx, h.ID)
	if err != nil || got != sc {
		t.Fatalf("GetCredential = %+v, %v", got, err)
	}

	if err := db.DeleteHost(ctx, h.ID); err != nil {
		t.Fatalf("DeleteHost: %v", err)
	}
	if _, err := db.GetCredential(ctx, h.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("credential survived host deletion: %v", err)
	}
}

func TestTemplates(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	def := "10"
	tpl := &types.CommandTemplate{
		Name:           "tail-log",
		Category:       "logs",
		Command:        "tail -n {{lines}} /var/log/syslog",
		HostKinds:      []types.HostKind{types.HostKindSSH},
		Params:         []types.ParamSpec{{Name: "lines", Type: types.ParamInteger, Default: &def}},
		TimeoutSeconds: 30,
		Confirm:        true,
	}
	if err := db.UpsertTemplate(ctx, tpl); err != nil {
		t.Fatalf("UpsertTemplate: %v", err)
	}
	got, err := db.FindTemplate(ctx, "tail-log")
	if err != nil {
		t.Fatalf("FindTemplate: %v", err)
	}
	if got.ID != tpl.ID || !got.Confirm || got.TimeoutSeconds != 30 || len(got.Params) != 1 ||
		*got.Params[0].Default != "10" || !got.Supports(types.HostKindSSH) {
		t.Errorf("FindTemplate = %+v", got)
	}

	list, err := db.ListTemplates(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListTemplates = %d, %v", len(list), err)
	}
	if _, err := db.GetTemplate(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func appendTest(t *testing.T, db *DB, id, hostID string, params map[string]string) types.Execution {
	t.Helper()
	e, err := db.AppendExecution(context.Background(), func(prev string) (types.Execution, error) {
		return types.Execution{
			ID: id, TemplateID: "t1", HostID: hostID, Parameters: params,
			Stdout: "out", Outcome: types.OutcomeSuccess, Duration: 1500 * time.Millisecond,
			StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC), PrevHash: prev, Hash: "hash-" + id,
		}, nil
	})
	if err != nil {
		t.Fatalf("AppendExecution: %v", err)
	}
	return e
}

func TestExecutionsAppendOnly(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := appendTest(t, db, "e1", "h1", map[string]string{"a": "1"})
	second := appendTest(t, db, "e2", "h2", nil)
	if first.PrevHash != "" || second.PrevHash != "hash-e1" {
		t.Errorf("prev hashes = %q, %q", first.PrevHash, second.PrevHash)
	}
	if second.Seq <= first.Seq {
		t.Errorf("seq not increasing: %d then %d", first.Seq, second.Seq)
	}

	got, err := db.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Parameters["a"] != "1" || got.Duration != 1500*time.Millisecond || got.StartedAt.Nanosecond() != 6 {
		t.Errorf("GetExecution = %+v", got)
	}
	got, _ = db.GetExecution(ctx, "e2")
	if got.Parameters != nil {
		t.Errorf("nil parameters came back as %v", got.Parameters)
	}

	if _, err := db.conn.Exec(`UPDATE executions SET stdout = 'x' WHERE id = 'e1'`); err == nil {
		t.Error("UPDATE on executions succeeded")
	}
	if _, err := db.conn.Exec(`DELETE FROM executions`); err == nil {
		t.Error("DELETE on executions succeeded")
	}

	list, err := db.ListExecutions(ctx, ExecutionFilter{HostID: "h2"})
	if err != nil || len(list) != 1 || list[0].ID != "e2" {
		t.Fatalf("ListExecutions(h2) = %v, %v", list, err)
	}
	list, _ = db.ListExecutions(ctx, ExecutionFilter{Limit: 1})
	if len(list) != 1 || list[0].ID != "e2" {
		t.Errorf("newest first with limit: %v", list)
	}

	var order []string
	db.WalkExecutions(ctx, func(e types.Execution) error {
		order = append(order, e.ID)
		return nil
	})
	if len(order) != 2 || order[0] != "e1" {
		t.Errorf("walk order = %v", order)
	}
}

func TestAppendExecutionBuildErrorRollsBack(t *testing.T) {
	db := setupTestDB(t)
	boom := errors.New("boom")
	_, err := db.AppendExecution(context.Background(), func(string) (types.Execution, error) {
		return types.Execution{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	list, _ := db.ListExecutions(context.Background(), ExecutionFilter{})
	if len(list) != 0 {
		t.Errorf("records = %d after failed build", len(list))
	}
}
