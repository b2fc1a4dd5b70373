package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"rexec/internal/store"
	"rexec/internal/types"
	"rexec/internal/vault"
)

type memSources struct {
	mu       sync.Mutex
	hosts    map[string]types.Host
	tpls     map[string]types.CommandTemplate
	creds    map[string]types.SealedCredential
	statuses map[string]types.HostStatus
}

func (m *memSources) GetHost(_ context.Context, id string) (types.Host, error) {
	h, ok := m.hosts[id]
	if !ok {
		return h, store.ErrNotFound
	}
	return h, nil
}

func (m *memSources) SetHostStatus(_ context.Context, id string, s types.HostStatus, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = s
	return nil
}

func (m *memSources) GetTemplate(_ context.Context, id string) (types.CommandTemplate, error) {
	t, ok := m.tpls[id]
	if !ok {
		return t, store.ErrNotFound
	}
	return t, nil
}

func (m *memSources) GetCredential(_ context.Context, id string) (types.SealedCredential, error) {
	c, ok := m.creds[id]
	if !ok {
		return c, store.ErrNotFound
	}
	return c, nil
}

type fakeRecorder struct {
	records []types.Execution
}

func (r *fakeRecorder) Record(_ context.Context, e types.Execution, _ []types.ParamSpec) (string, error) {
	r.records = append(r.records, e)
	return "exec-" + string(rune('0'+len(r.records))), nil
}

type fakeSession struct {
	run    func(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error)
	closed int
}

func (s *fakeSession) Run(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
	return s.run(ctx, cmd, stdout, stderr)
}

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

type fakeConnector struct {
	sess     *fakeSession
	err      error
	calls    int
	cred     types.Credential
	timeouts []time.Duration
}

func (c *fakeConnector) Connect(_ context.Context, _ types.Host, cred types.Credential, timeout time.Duration) (Session, error) {
	c.calls++
	c.cred = cred
	c.timeouts = append(c.timeouts, timeout)
	if c.err != nil {
		return nil, c.err
	}
	return c.sess, nil
}

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	encoded, err := vault.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	key, err := vault.ParseKey(encoded)
	if err != nil {
		t.Fatal(err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

type fixture struct {
	src    *memSources
	rec    *fakeRecorder
	conn   *fakeConnector
	vault  *vault.Vault
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v := testVault(t)
	sealed, err := v.SealCredential("web", types.Credential{Password: "login-pw", ElevationSecret: "root-pw"})
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		src: &memSources{
			hosts: map[string]types.Host{
				"web":    {ID: "web", Name: "web-1", Kind: types.HostKindSSH, Address: "10.0.0.5", Port: 22, Username: "deploy"},
				"switch": {ID: "switch", Name: "sw-1", Kind: types.HostKindApplianceSSH, Address: "10.0.0.9", Port: 22, Username: "admin"},
			},
			tpls: map[string]types.CommandTemplate{
				"greet": {
					ID: "greet", Name: "greet", Command: "echo {{name}}",
					HostKinds: []types.HostKind{types.HostKindSSH},
					Params:    []types.ParamSpec{{Name: "name", Type: types.ParamString, Required: true}},
				},
				"broken": {
					ID: "broken", Name: "broken", Command: "echo $({{name}})",
					HostKinds: []types.HostKind{types.HostKindSSH},
					Params:    []types.ParamSpec{{Name: "name", Type: types.ParamString}},
				},
			},
			creds:    map[string]types.SealedCredential{"web": sealed},
			statuses: map[string]types.HostStatus{},
		},
		rec:   &fakeRecorder{},
		conn:  &fakeConnector{sess: &fakeSession{}},
		vault: v,
	}
	f.engine = New(Deps{
		Hosts: f.src, Templates: f.src, Credentials: f.src,
		Vault: v, Recorder: f.rec, Connector: f.conn,
		ConnectTimeout: 3 * time.Second,
	})
	return f
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t)
	var gotCmd string
	f.conn.sess.run = func(_ context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
		gotCmd = cmd
		io.WriteString(stdout, "hi\n")
		io.WriteString(stderr, "note\n")
		return 0, nil
	}

	var live bytes.Buffer
	res, err := f.engine.Run(context.Background(), Request{
		TemplateID: "greet", HostID: "web",
		Params: map[string]string{"name": "a; rm -rf /", "extra": "ignored"},
		Stdout: &live,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.Err != nil || res.ExitCode != 0 {
		t.Fatalf("result = %+v", res)
	}
	if gotCmd != `echo 'a; rm -rf /'` {
		t.Errorf("command = %q", gotCmd)
	}
	if res.Stdout != "hi\n" || res.Stderr != "note\n" || live.String() != "hi\n" {
		t.Errorf("output = %q / %q / live %q", res.Stdout, res.Stderr, live.String())
	}
	if f.conn.cred.Password != "login-pw" {
		t.Errorf("credential not opened")
	}
	if f.conn.sess.closed != 1 {
		t.Errorf("session closed %d times", f.conn.sess.closed)
	}
	if len(f.rec.records) != 1 {
		t.Fatalf("records = %d", len(f.rec.records))
	}
	r := f.rec.records[0]
	if r.Outcome != types.OutcomeSuccess || r.Parameters["name"] != "a; rm -rf /" || r.ErrorKind != "" {
		t.Errorf("record = %+v", r)
	}
	if _, ok := r.Parameters["extra"]; ok {
		t.Errorf("unknown input was recorded")
	}
	if res.ExecutionID == "" {
		t.Errorf("execution id not set")
	}
	if f.conn.timeouts[0] != 3*time.Second {
		t.Errorf("connect timeout = %v", f.conn.timeouts[0])
	}
}

func TestExecuteNonZeroExitIsNotAnError(t *testing.T) {
	f := newFixture(t)
	f.conn.sess.run = func(_ context.Context, _ string, stdout, _ io.Writer) (int, error) {
		io.WriteString(stdout, "partial\n")
		return 2, nil
	}
	res, err := f.engine.Execute(context.Background(), "greet", "web", map[string]string{"name": "x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.ExitCode != 2 || res.Stdout != "partial\n" {
		t.Errorf("result = %+v", res)
	}
	if res.Err == nil || res.Err.Kind != types.KindRemoteNonZeroExit {
		t.Errorf("err = %v", res.Err)
	}
	if r := f.rec.records[0]; r.Outcome != types.OutcomeFailed || r.ExitCode != 2 || r.ErrorKind != types.KindRemoteNonZeroExit {
		t.Errorf("record = %+v", r)
	}
}

func TestExecuteFailuresBeforeConnect(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(f *fixture)
		tpl      string
		host     string
		params   map[string]string
		kind     types.ErrorKind
		recorded bool
	}{
		{name: "unknown template", tpl: "nope", host: "web", kind: types.KindNotFound},
		{name: "unknown host", tpl: "greet", host: "nope", kind: types.KindNotFound},
		{name: "incompatible kind", tpl: "greet", host: "switch", params: map[string]string{"name": "x"},
			kind: types.KindIncompatibleHost, recorded: true},
		{name: "missing parameter", tpl: "greet", host: "web", kind: types.KindParameterValidation, recorded: true},
		{name: "unsafe template", tpl: "broken", host: "web", params: map[string]string{"name": "x"},
			kind: types.KindTemplateConfiguration, recorded: true},
		{name: "no credential", tpl: "greet", host: "web", params: map[string]string{"name": "x"},
			mutate: func(f *fixture) { delete(f.src.creds, "web") },
			kind:   types.KindHostConfiguration, recorded: true},
		{name: "su without secret", tpl: "greet", host: "web", params: map[string]string{"name": "x"},
			mutate: func(f *fixture) {
				h := f.src.hosts["web"]
				h.Elevation = types.Elevation{Mode: types.ElevationSu, User: "root"}
				f.src.hosts["web"] = h
				sc, _ := f.vault.SealCredential("web", types.Credential{Password: "pw"})
				f.src.creds["web"] = sc
			},
			kind: types.KindHostConfiguration, recorded: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			if tc.mutate != nil {
				tc.mutate(f)
			}
			res, err := f.engine.Execute(context.Background(), tc.tpl, tc.host, tc.params)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.Err == nil || res.Err.Kind != tc.kind {
				t.Fatalf("err = %v, want kind %s", res.Err, tc.kind)
			}
			if res.Success {
				t.Errorf("reported success")
			}
			if f.conn.calls != 0 {
				t.Errorf("connector called %d times", f.conn.calls)
			}
			if got := len(f.rec.records); (got == 1) != tc.recorded || got > 1 {
				t.Fatalf("records = %d, recorded=%v", got, tc.recorded)
			}
			if tc.recorded {
				r := f.rec.records[0]
				if r.Outcome != types.OutcomeError || r.ErrorKind != tc.kind {
					t.Errorf("record = %+v", r)
				}
			}
		})
	}
}

func TestExecuteParametersAbsentWhenRenderFails(t *testing.T) {
	f := newFixture(t)
	res, _ := f.engine.Execute(context.Background(), "greet", "web", map[string]string{"other": "x"})
	if res.Err == nil || res.Err.Param != "name" {
		t.Fatalf("err = %#v", res.Err)
	}
	if f.rec.records[0].Parameters != nil {
		t.Errorf("parameters recorded for a failed render: %v", f.rec.records[0].Parameters)
	}
}

func TestExecuteVaultFailureIsFatalButRecorded(t *testing.T) {
	f := newFixture(t)
	other := testVault(t)
	sc, _ := other.SealCredential("web", types.Credential{Password: "pw"})
	f.src.creds["web"] = sc

	res, err := f.engine.Execute(context.Background(), "greet", "web", map[string]string{"name": "x"})
	if err == nil {
		t.Fatal("expected a Go error")
	}
	if !errors.Is(err, vault.ErrDecrypt) {
		t.Errorf("err = %v, want vault.ErrDecrypt", err)
	}
	if res == nil || res.Err == nil || res.Err.Kind != types.KindHostConfiguration {
		t.Errorf("result = %+v", res)
	}
	if len(f.rec.records) != 1 || f.conn.calls != 0 {
		t.Errorf("records=%d connects=%d", len(f.rec.records), f.conn.calls)
	}
}

func TestExecuteConnectFailureRecorded(t *testing.T) {
	f := newFixture(t)
	f.conn.err = types.Errorf(types.KindAuthFailed, "authentication rejected")
	res, err := f.engine.Run(context.Background(), Request{
		TemplateID: "greet", HostID: "web", Params: map[string]string{"name": "x"},
		ConnectTimeout: 700 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Err == nil || res.Err.Kind != types.KindAuthFailed {
		t.Fatalf("err = %v", res.Err)
	}
	if f.conn.timeouts[0] != 700*time.Millisecond {
		t.Errorf("connect timeout override ignored: %v", f.conn.timeouts[0])
	}
	if r := f.rec.records[0]; r.ErrorKind != types.KindAuthFailed || r.Parameters["name"] != "x" {
		t.Errorf("record = %+v", r)
	}

	f.conn.err = errors.New("boom")
	res, _ = f.engine.Execute(context.Background(), "greet", "web", map[string]string{"name": "x"})
	if res.Err.Kind != types.KindUnreachable {
		t.Errorf("untyped connect error kind = %s", res.Err.Kind)
	}
}

func TestExecuteCommandTimeout(t *testing.T) {
	f := newFixture(t)
	tpl := f.src.tpls["greet"]
	tpl.TimeoutSeconds = 30
	f.src.tpls["greet"] = tpl

	var deadline time.Time
	f.conn.sess.run = func(ctx context.Context, _ string, stdout, _ io.Writer) (int, error) {
		deadline, _ = ctx.Deadline()
		io.WriteString(stdout, "started\n")
		<-ctx.Done()
		return -1, types.TimeoutError(types.PhaseCommand, "command: %v", ctx.Err())
	}
	begin := time.Now()
	res, err := f.engine.Run(context.Background(), Request{
		TemplateID: "greet", HostID: "web", Params: map[string]string{"name": "x"},
		CommandTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if deadline.IsZero() || deadline.Sub(begin) > 5*time.Second {
		t.Errorf("override did not replace the template timeout: deadline in %v", deadline.Sub(begin))
	}
	if res.Err == nil || res.Err.Kind != types.KindTimeout || res.Err.Phase != types.PhaseCommand {
		t.Fatalf("err = %v", res.Err)
	}
	if res.Stdout != "started\n" || res.ExitCode != -1 {
		t.Errorf("partial output = %q, code %d", res.Stdout, res.ExitCode)
	}
	if f.conn.sess.closed != 1 {
		t.Errorf("session not closed")
	}
	if r := f.rec.records[0]; r.Outcome != types.OutcomeError || r.Stdout != "started\n" {
		t.Errorf("record = %+v", r)
	}
}

func TestExecuteTemplateTimeoutZeroMeansNoDeadline(t *testing.T) {
	f := newFixture(t)
	f.conn.sess.run = func(ctx context.Context, _ string, _, _ io.Writer) (int, error) {
		if _, ok := ctx.Deadline(); ok {
			t.Errorf("unexpected deadline")
		}
		return 0, nil
	}
	if _, err := f.engine.Execute(context.Background(), "greet", "web", map[string]string{"name": "x"}); err != nil {
		t.Fatal(err)
	}
}

func TestOutputIsCapped(t *testing.T) {
	f := newFixture(t)
	f.engine.maxOutput = 8
	f.conn.sess.run = func(_ context.Context, _ string, stdout, _ io.Writer) (int, error) {
		io.WriteString(stdout, "0123456789")
		io.WriteString(stdout, "abc")
		return 0, nil
	}
	res, _ := f.engine.Execute(context.Background(), "greet", "web", map[string]string{"name": "x"})
	if res.Stdout != "01234567"+truncatedNote {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestEnvelope(t *testing.T) {
	ok := &Result{Success: true, Stdout: "a", Duration: 1500 * time.Millisecond}
	b, err := ok.Envelope()
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	json.Unmarshal(b, &m)
	if m["success"] != true || m["exitCode"] != float64(0) || m["stdout"] != "a" || m["stderr"] != "" || m["executionTimeMs"] != float64(1500) {
		t.Errorf("success envelope = %s", b)
	}

	failed := &Result{ExitCode: 1, Err: types.Errorf(types.KindRemoteNonZeroExit, "exit 1")}
	b, _ = failed.Envelope()
	m = nil
	json.Unmarshal(b, &m)
	if m["success"] != false || m["exitCode"] != float64(1) {
		t.Errorf("failed envelope = %s", b)
	}
	if _, has := m["error"]; has {
		t.Errorf("nonzero exit envelope carries an error: %s", b)
	}

	broken := &Result{ExitCode: -1, Err: types.Errorf(types.KindUnreachable, "dial")}
	b, _ = broken.Envelope()
	if string(b) != `{"success":false,"error":"Unreachable: dial"}` {
		t.Errorf("error envelope = %s", b)
	}
}

func TestTestConnectionStatuses(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   int
		status types.HostStatus
	}{
		{"online", nil, 0, types.HostStatusOnline},
		{"unreachable", types.Errorf(types.KindUnreachable, "refused"), 0, types.HostStatusOffline},
		{"connect timeout", types.TimeoutError(types.PhaseConnect, "slow"), 0, types.HostStatusOffline},
		{"auth", types.Errorf(types.KindAuthFailed, "no"), 0, types.HostStatusDegraded},
		{"elevation", types.Errorf(types.KindElevationFailed, "no"), 0, types.HostStatusDegraded},
		{"probe fails", nil, 1, types.HostStatusDegraded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.conn.err = tc.err
			var cmd string
			f.conn.sess.run = func(_ context.Context, c string, _, _ io.Writer) (int, error) {
				cmd = c
				return tc.code, nil
			}
			res, err := f.engine.TestConnection(context.Background(), "web")
			if err != nil {
				t.Fatal(err)
			}
			if res.Status != tc.status || f.src.statuses["web"] != tc.status {
				t.Errorf("status = %s (stored %s), want %s", res.Status, f.src.statuses["web"], tc.status)
			}
			if res.Success != (tc.status == types.HostStatusOnline) {
				t.Errorf("success = %v", res.Success)
			}
			if tc.err == nil && cmd != probeCommand {
				t.Errorf("probe command = %q", cmd)
			}
			if len(f.rec.records) != 0 {
				t.Errorf("connection test was recorded")
			}
		})
	}
}

func TestTestConnectionUnknownHostAndConfig(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.TestConnection(context.Background(), "nope")
	if err != nil || res.Err == nil || res.Err.Kind != types.KindNotFound {
		t.Fatalf("res=%+v err=%v", res, err)
	}

	delete(f.src.creds, "web")
	res, err = f.engine.TestConnection(context.Background(), "web")
	if err != nil || res.Err == nil || res.Err.Kind != types.KindHostConfiguration {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if f.conn.calls != 0 {
		t.Errorf("connector called")
	}
	if _, touched := f.src.statuses["web"]; touched {
		t.Errorf("status updated without a network test")
	}
}

func TestCaptureTee(t *testing.T) {
	var tee bytes.Buffer
	c := newCapture(4, &tee)
	c.Write([]byte("abcdef"))
	if !strings.HasPrefix(c.String(), "abcd") || tee.String() != "abcdef" {
		t.Errorf("capture=%q tee=%q", c.String(), tee.String())
	}
}

func TestTestResultEnvelope(t *testing.T) {
	ok := &TestResult{Success: true, Latency: 42 * time.Millisecond, Status: types.HostStatusOnline}
	b, err := ok.Envelope()
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"success":true,"timeMs":42}` {
		t.Errorf("envelope = %s", b)
	}
	bad := &TestResult{Err: types.Errorf(types.KindUnreachable, "refused")}
	b, _ = bad.Envelope()
	if string(b) != `{"success":false,"error":"Unreachable: refused"}` {
		t.Errorf("envelope = %s", b)
	}
}
