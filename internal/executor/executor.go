// Package executor runs a rendered command template against one host and records the
// attempt.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"rexec/internal/logging"
	"rexec/internal/render"
	"rexec/internal/sshclient"
	"rexec/internal/store"
	"rexec/internal/types"
	"rexec/internal/vault"
)

type HostSource interface {
	GetHost(ctx context.Context, id string) (types.Host, error)
	SetHostStatus(ctx context.Context, id string, status types.HostStatus, checked time.Time) error
}

type TemplateSource interface {
	GetTemplate(ctx context.Context, id string) (types.CommandTemplate, error)
}

type CredentialSource interface {
	GetCredential(ctx context.Context, hostID string) (types.SealedCredential, error)
}

// Recorder persists one execution attempt and returns its id.
type Recorder interface {
	Record(ctx context.Context, e types.Execution, schema []types.ParamSpec) (string, error)
}

// Session runs a single command on an established connection.
type Session interface {
	Run(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error)
	Close() error
}

// Connector establishes sessions, including elevation.
type Connector interface {
	Connect(ctx context.Context, host types.Host, cred types.Credential, timeout time.Duration) (Session, error)
}

type sshConnector struct{ d *sshclient.Dialer }

// SSH adapts an sshclient.Dialer to Connector.
func SSH(d *sshclient.Dialer) Connector { return sshConnector{d: d} }

func (c sshConnector) Connect(ctx context.Context, host types.Host, cred types.Credential, timeout time.Duration) (Session, error) {
	s, err := c.d.Connect(ctx, host, cred, timeout)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// DefaultConnectTimeout applies when neither the engine nor the request sets one.
const DefaultConnectTimeout = 10 * time.Second

// Deps wires an Engine. store.DB implements the three sources.
type Deps struct {
	Hosts          HostSource
	Templates      TemplateSource
	Credentials    CredentialSource
	Vault          *vault.Vault
	Recorder       Recorder
	Connector      Connector
	ConnectTimeout time.Duration
	MaxOutput      int // per stream; 0 selects DefaultMaxOutput, negative is unlimited
}

type Engine struct {
	hosts          HostSource
	templates      TemplateSource
	creds          CredentialSource
	vault          *vault.Vault
	rec            Recorder
	conn           Connector
	connectTimeout time.Duration
	maxOutput      int
	now            func() time.Time
}

func New(d Deps) *Engine {
	e := &Engine{
		hosts:          d.Hosts,
		templates:      d.Templates,
		creds:          d.Credentials,
		vault:          d.Vault,
		rec:            d.Recorder,
		conn:           d.Connector,
		connectTimeout: d.ConnectTimeout,
		maxOutput:      d.MaxOutput,
		now:            time.Now,
	}
	if e.connectTimeout <= 0 {
		e.connectTimeout = DefaultConnectTimeout
	}
	if e.maxOutput == 0 {
		e.maxOutput = DefaultMaxOutput
	}
	return e
}

// Request is one execution. Zero timeouts select the defaults: the engine's connect
// timeout and the template's command timeout.
type Request struct {
	TemplateID     string
	HostID         string
	Params         map[string]string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	// Stdout and Stderr, when set, receive output as it arrives.
	Stdout io.Writer
	Stderr io.Writer
}

// Result is the outcome of Execute. Err is nil only on success; a nonzero exit carries
// RemoteNonZeroExit together with the captured output.
type Result struct {
	Success     bool
	ExitCode    int
	Stdout      string
	Stderr      string
	Duration    time.Duration
	ExecutionID string
	Err         *types.Error
}

type envelope struct {
	Success         bool    `json:"success"`
	ExitCode        *int    `json:"exitCode,omitempty"`
	Stdout          *string `json:"stdout,omitempty"`
	Stderr          *string `json:"stderr,omitempty"`
	ExecutionTimeMs *int64  `json:"executionTimeMs,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// Envelope renders the result for API callers: the command's output when it ran to
// completion, otherwise just the error.
func (r *Result) Envelope() ([]byte, error) {
	if r.Err != nil && r.Err.Kind != types.KindRemoteNonZeroExit {
		return json.Marshal(envelope{Error: r.Err.Error()})
	}
	ms := r.Duration.Milliseconds()
	return json.Marshal(envelope{
		Success:         r.Success,
		ExitCode:        &r.ExitCode,
		Stdout:          &r.Stdout,
		Stderr:          &r.Stderr,
		ExecutionTimeMs: &ms,
	})
}

// Execute runs templateID on hostID with the raw parameter values.
func (e *Engine) Execute(ctx context.Context, templateID, hostID string, raw map[string]string) (*Result, error) {
	return e.Run(ctx, Request{TemplateID: templateID, HostID: hostID, Params: raw})
}

// Run executes req. Structured failures are reported in Result.Err; the returned error is
// reserved for vault and store failures. Every attempt that gets past the lookups is
// recorded exactly once.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	tpl, err := e.templates.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return lookupFailure(err, "template", req.TemplateID)
	}
	host, err := e.hosts.GetHost(ctx, req.HostID)
	if err != nil {
		return lookupFailure(err, "host", req.HostID)
	}

	log := logging.WithFields(map[string]interface{}{
		"event":       "executor.execute",
		"template_id": tpl.ID,
		"template":    tpl.Name,
		"host_id":     host.ID,
		"host_kind":   string(host.Kind),
	})
	log.Info("execute: start", nil)

	a := &attempt{
		engine: e,
		tpl:    tpl,
		host:   host,
		log:    log,
		rec: types.Execution{
			TemplateID: tpl.ID,
			HostID:     host.ID,
			ExitCode:   -1,
			StartedAt:  e.now(),
		},
	}

	if !tpl.Supports(host.Kind) {
		return a.fail(ctx, types.Errorf(types.KindIncompatibleHost,
			"template %s supports %v, host %s is %s", tpl.Name, tpl.HostKinds, host.Name, host.Kind), nil)
	}

	rendered, err := render.Render(tpl, req.Params)
	if err != nil {
		return a.fail(ctx, asTypedError(err, types.KindTemplateConfiguration), nil)
	}
	a.rec.Parameters = rendered.Values

	cred, terr, fatal := e.credential(ctx, host)
	if fatal != nil {
		return a.fail(ctx, terr, fatal)
	}
	if terr != nil {
		return a.fail(ctx, terr, nil)
	}

	connectTimeout := req.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = e.connectTimeout
	}
	sess, err := e.conn.Connect(ctx, host, cred, connectTimeout)
	if err != nil {
		return a.fail(ctx, asTypedError(err, types.KindUnreachable), nil)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Debug("execute: close session", map[string]interface{}{"error": cerr.Error()})
		}
	}()

	commandTimeout := req.CommandTimeout
	if commandTimeout <= 0 {
		commandTimeout = tpl.Timeout()
	}
	runCtx := ctx
	if commandTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, commandTimeout)
		defer cancel()
	}

	stdout := newCapture(e.maxOutput, req.Stdout)
	stderr := newCapture(e.maxOutput, req.Stderr)
	start := e.now()
	code, runErr := sess.Run(runCtx, rendered.Command, stdout, stderr)
	a.rec.Duration = e.now().Sub(start)
	a.rec.Stdout = stdout.String()
	a.rec.Stderr = stderr.String()

	if runErr != nil {
		return a.fail(ctx, asTypedError(runErr, types.KindUnreachable), nil)
	}
	a.rec.ExitCode = code
	if code == 0 {
		a.rec.Outcome = types.OutcomeSuccess
		return a.finish(ctx, nil)
	}
	a.rec.Outcome = types.OutcomeFailed
	return a.finish(ctx, types.Errorf(types.KindRemoteNonZeroExit, "command exited with status %d", code))
}

// credential loads and opens the host's credential. Configuration problems come back as a
// typed error; a vault failure is also returned as fatal.
func (e *Engine) credential(ctx context.Context, host types.Host) (types.Credential, *types.Error, error) {
	if host.Elevation.Enabled() && host.Elevation.User == "" {
		return types.Credential{}, types.Errorf(types.KindHostConfiguration, "host %s has su elevation without a target user", host.Name), nil
	}
	sc, err := e.creds.GetCredential(ctx, host.ID)
	if errors.Is(err, store.ErrNotFound) {
		return types.Credential{}, types.Errorf(types.KindHostConfiguration, "host %s has no stored credential", host.Name), nil
	}
	if err != nil {
		return types.Credential{}, types.Wrap(types.KindHostConfiguration, err, "load credential"), err
	}
	cred, err := e.vault.OpenCredential(sc)
	if err != nil {
		return types.Credential{}, types.Wrap(types.KindHostConfiguration, err, "credential for host %s cannot be decrypted", host.Name),
			fmt.Errorf("open credential for host %s: %w", host.ID, err)
	}
	if cred.Password == "" && !cred.HasKey() {
		return cred, types.Errorf(types.KindHostConfiguration, "host %s has neither a password nor a private key", host.Name), nil
	}
	if host.Elevation.Enabled() && cred.ElevationSecret == "" {
		return cred, types.Errorf(types.KindHostConfiguration, "host %s has su elevation but no elevation secret", host.Name), nil
	}
	return cred, nil, nil
}

type attempt struct {
	engine *Engine
	tpl    types.CommandTemplate
	host   types.Host
	log    *logging.Logger
	rec    types.Execution
}

// fail records an error outcome. fatal, when set, is returned after recording.
func (a *attempt) fail(ctx context.Context, terr *types.Error, fatal error) (*Result, error) {
	a.rec.Outcome = types.OutcomeError
	res, err := a.finish(ctx, terr)
	if fatal != nil {
		return res, fatal
	}
	return res, err
}

func (a *attempt) finish(ctx context.Context, terr *types.Error) (*Result, error) {
	if terr != nil {
		a.rec.ErrorKind = terr.Kind
		a.rec.ErrorMessage = terr.Error()
	}
	if a.rec.Duration == 0 {
		a.rec.Duration = a.engine.now().Sub(a.rec.StartedAt)
	}
	res := &Result{
		Success:  a.rec.Outcome == types.OutcomeSuccess,
		ExitCode: a.rec.ExitCode,
		Stdout:   a.rec.Stdout,
		Stderr:   a.rec.Stderr,
		Duration: a.rec.Duration,
		Err:      terr,
	}

	fields := map[string]interface{}{
		"outcome":     string(a.rec.Outcome),
		"exit_code":   a.rec.ExitCode,
		"duration_ms": a.rec.Duration.Milliseconds(),
	}
	if terr != nil {
		fields["error_kind"] = string(terr.Kind)
		if terr.Phase != "" {
			fields["phase"] = string(terr.Phase)
		}
	}

	// Recording must survive a caller that gave up.
	id, err := a.engine.rec.Record(context.WithoutCancel(ctx), a.rec, a.tpl.Params)
	if err != nil {
		fields["error"] = err.Error()
		a.log.Error("execute: record failed", fields)
		return res, err
	}
	res.ExecutionID = id
	fields["execution_id"] = id

	if a.rec.Outcome == types.OutcomeError {
		a.log.Warn("execute: result", fields)
	} else {
		a.log.Info("execute: result", fields)
	}
	return res, nil
}

func lookupFailure(err error, what, id string) (*Result, error) {
	if errors.Is(err, store.ErrNotFound) {
		return &Result{ExitCode: -1, Err: types.Errorf(types.KindNotFound, "%s %s not found", what, id)}, nil
	}
	return nil, fmt.Errorf("load %s %s: %w", what, id, err)
}

func asTypedError(err error, fallback types.ErrorKind) *types.Error {
	if te, ok := types.AsError(err); ok {
		return te
	}
	return types.Wrap(fallback, err, "unexpected failure")
}
