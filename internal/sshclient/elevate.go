package sshclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"rexec/internal/types"
)

// Elevator performs the in-band privilege switch on an interactive shell. Implementations
// must confirm the switch from the shell output, not from an exit status.
type Elevator interface {
	Elevate(ctx context.Context, sh *Shell, policy types.Elevation, secret string) error
}

// DefaultElevationShell is used when the policy does not name a shell.
const DefaultElevationShell = "/bin/sh"

var passwordPrompt = regexp.MustCompile(`(?i)(password|passwort|contrase(ñ|n)a|mot de passe|senha|пароль|密码)[^\n]*[:：]\s*$`)

// SuElevator switches user with su, then proves the switch with a sentinel-framed
// `id -un` probe.
type SuElevator struct{}

func (SuElevator) Elevate(ctx context.Context, sh *Shell, policy types.Elevation, secret string) error {
	if policy.User == "" {
		return types.Errorf(types.KindHostConfiguration, "su elevation requires a target user")
	}
	if secret == "" {
		return types.Errorf(types.KindHostConfiguration, "su elevation requires an elevation secret")
	}
	if strings.ContainsAny(secret, "\r\n") {
		return types.Errorf(types.KindHostConfiguration, "elevation secret must be a single line")
	}
	shell := policy.Shell
	if shell == "" {
		shell = DefaultElevationShell
	}

	// exec replaces the login shell, so a failed su ends the session and shows up as EOF.
	if err := sh.Send(fmt.Sprintf("exec su -s %s - %s\n", ShellQuote(shell), ShellQuote(policy.User))); err != nil {
		return types.Wrap(types.KindElevationFailed, err, "send su")
	}
	if _, _, err := sh.Expect(ctx, passwordPrompt); err != nil {
		return elevationError(ctx, sh, err, "waiting for su password prompt", secret)
	}
	if err := sh.Send(secret + "\n"); err != nil {
		return types.Wrap(types.KindElevationFailed, err, "send elevation secret")
	}

	nonce := newNonce()
	probe := fmt.Sprintf("%s; id -un; %s\n", printMarker("I"+nonce+"__"), printMarker("J"+nonce+"__"))
	if err := sh.Send(probe); err != nil {
		return types.Wrap(types.KindElevationFailed, err, "send identity probe")
	}
	begin := regexp.MustCompile(regexp.QuoteMeta("\n" + markerPrefix + "I" + nonce + "__\n"))
	end := regexp.MustCompile(`(?s)^(.*?)` + regexp.QuoteMeta("\n"+markerPrefix+"J"+nonce+"__\n"))
	if _, _, err := sh.Expect(ctx, begin); err != nil {
		return elevationError(ctx, sh, err, "waiting for elevated shell", secret)
	}
	_, m, err := sh.Expect(ctx, end)
	if err != nil {
		return elevationError(ctx, sh, err, "reading elevated identity", secret)
	}
	if got := strings.TrimSpace(m[1]); got != policy.User {
		return types.Errorf(types.KindElevationFailed, "elevated identity is %q, expected %q", got, policy.User)
	}
	sh.SetCommandShell(shell)
	return nil
}

func elevationError(ctx context.Context, sh *Shell, err error, what, secret string) error {
	if ctx.Err() != nil {
		return types.TimeoutError(types.PhaseConnect, "%s", what)
	}
	detail := sh.LastLine()
	if secret != "" {
		detail = strings.ReplaceAll(detail, secret, "[redacted]")
	}
	if errors.Is(err, io.EOF) {
		if detail != "" {
			return types.Errorf(types.KindElevationFailed, "%s: shell exited: %s", what, detail)
		}
		return types.Errorf(types.KindElevationFailed, "%s: shell exited", what)
	}
	return types.Wrap(types.KindElevationFailed, err, "%s", what)
}
