package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"rexec/internal/logging"
	"rexec/internal/types"
)

// probeCommand is what a connection test runs once the session is up.
const probeCommand = "true"

// TestResult reports a connection test. Status is the value written to the host, or empty
// when the host was left untouched because the test never reached the network.
type TestResult struct {
	Success bool
	Latency time.Duration
	Status  types.HostStatus
	Err     *types.Error
}

type testEnvelope struct {
	Success bool   `json:"success"`
	TimeMs  *int64 `json:"timeMs,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Envelope renders the result for API callers.
func (r *TestResult) Envelope() ([]byte, error) {
	if r.Err != nil {
		return json.Marshal(testEnvelope{Error: r.Err.Error()})
	}
	ms := r.Latency.Milliseconds()
	return json.Marshal(testEnvelope{Success: true, TimeMs: &ms})
}

// TestConnection connects to hostID (including elevation), runs a no-op command and
// stores the resulting status on the host. Tests are not written to the execution history.
func (e *Engine) TestConnection(ctx context.Context, hostID string) (*TestResult, error) {
	host, err := e.hosts.GetHost(ctx, hostID)
	if err != nil {
		res, lerr := lookupFailure(err, "host", hostID)
		if lerr != nil {
			return nil, lerr
		}
		return &TestResult{Err: res.Err}, nil
	}
	log := logging.WithFields(map[string]interface{}{
		"event":     "executor.test",
		"host_id":   host.ID,
		"host_kind": string(host.Kind),
	})

	cred, terr, fatal := e.credential(ctx, host)
	if fatal != nil {
		return &TestResult{Err: terr}, fatal
	}
	if terr != nil {
		log.Warn("test: skipped", map[string]interface{}{"error_kind": string(terr.Kind)})
		return &TestResult{Err: terr}, nil
	}

	start := e.now()
	res := &TestResult{}
	sess, err := e.conn.Connect(ctx, host, cred, e.connectTimeout)
	if err != nil {
		res.Err = asTypedError(err, types.KindUnreachable)
	} else {
		runCtx, cancel := context.WithTimeout(ctx, e.connectTimeout)
		code, rerr := sess.Run(runCtx, probeCommand, io.Discard, io.Discard)
		cancel()
		_ = sess.Close()
		switch {
		case rerr != nil:
			res.Err = asTypedError(rerr, types.KindUnreachable)
		case code != 0:
			res.Err = types.Errorf(types.KindRemoteNonZeroExit, "probe command exited with status %d", code)
		}
	}
	res.Latency = e.now().Sub(start)
	res.Success = res.Err == nil
	res.Status = statusFor(res.Err)

	if err := e.hosts.SetHostStatus(context.WithoutCancel(ctx), host.ID, res.Status, e.now()); err != nil {
		return res, fmt.Errorf("update status of host %s: %w", host.ID, err)
	}

	fields := map[string]interface{}{"status": string(res.Status), "latency_ms": res.Latency.Milliseconds()}
	if res.Err != nil {
		fields["error_kind"] = string(res.Err.Kind)
		log.Warn("test: result", fields)
	} else {
		log.Info("test: result", fields)
	}
	return res, nil
}

// statusFor maps a connection test failure to a host status: the host answered but would
// not let us in or run the probe (degraded), or it did not answer at all (offline).
func statusFor(err *types.Error) types.HostStatus {
	if err == nil {
		return types.HostStatusOnline
	}
	switch err.Kind {
	case types.KindAuthFailed, types.KindElevationFailed, types.KindRemoteNonZeroExit:
		return types.HostStatusDegraded
	case types.KindTimeout:
		if err.Phase == types.PhaseCommand {
			return types.HostStatusDegraded
		}
	}
	return types.HostStatusOffline
}
