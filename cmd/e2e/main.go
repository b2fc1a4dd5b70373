//go:build linux

// Command e2e runs the engine end to end against an in-process SSH server: it imports a
// catalog, executes templates with and without su elevation, hits a command timeout and
// verifies the history chain. It needs no remote machine.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh/knownhosts"

	"rexec/internal/catalog"
	"rexec/internal/executor"
	"rexec/internal/logging"
	"rexec/internal/recorder"
	"rexec/internal/sshclient"
	"rexec/internal/sshtest"
	"rexec/internal/store"
	"rexec/internal/types"
	"rexec/internal/vault"
)

const catalogTemplate = `
hosts:
  - name: plain
    address: %[1]s
    port: %[2]d
    username: deploy
    credential:
      password: deploy-pw
  - name: elevated
    address: localhost
    port: %[2]d
    username: deploy
    elevation: {mode: su, user: root}
    credential:
      password: ${E2E_LOGIN}
      elevation_secret: ${E2E_ROOT}
templates:
  - name: greet
    command: printf 'hello %%s\n' {{who}}; id -un
    params:
      - {name: who, type: string, required: true, pattern: '[^\n]+'}
  - name: fail
    command: echo failing >&2; exit {{code}}
    params:
      - {name: code, type: integer, min: 1, max: 125, default: "3"}
  - name: hang
    command: echo waiting; sleep 60
    timeout_seconds: 1
`

type check struct {
	name string
	fn   func(ctx context.Context) error
}

func main() {
	fmt.Println("E2E local test: starting")
	if err := logging.Init(logging.Options{Level: "warn", Format: "console"}); err != nil {
		fmt.Printf("❌ logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if err := run(); err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✅ E2E local test: all checks passed")
}

func run() error {
	dir, err := os.MkdirTemp("", "rexec-e2e-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	srv, err := sshtest.New(sshtest.Config{User: "deploy", Password: "deploy-pw", SuSecret: "root-pw"}, filepath.Join(dir, "srv"))
	if err != nil {
		return fmt.Errorf("start ssh server: %w", err)
	}
	defer srv.Close()
	addr, port := srv.HostPort()
	fmt.Printf("ℹ️  SSH server on %s\n", srv.Addr())

	// Both hosts reach the same server; they differ by address so their identities stay unique.
	knownHosts := filepath.Join(dir, "known_hosts")
	lines := knownhosts.Line([]string{
		knownhosts.Normalize(srv.Addr()),
		knownhosts.Normalize(net.JoinHostPort("localhost", strconv.Itoa(port))),
	}, srv.HostKey())
	if err := os.WriteFile(knownHosts, []byte(lines+"\n"), 0o600); err != nil {
		return err
	}

	os.Setenv("E2E_LOGIN", "deploy-pw")
	os.Setenv("E2E_ROOT", "root-pw")
	catPath := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(catPath, []byte(fmt.Sprintf(catalogTemplate, addr, port)), 0o600); err != nil {
		return err
	}

	keyText, err := vault.GenerateKey()
	if err != nil {
		return err
	}
	key, err := vault.ParseKey(keyText)
	if err != nil {
		return err
	}
	v, err := vault.New(key)
	if err != nil {
		return err
	}
	db, err := store.Open(filepath.Join(dir, "rexec.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	cat, err := catalog.Load(catPath)
	if err != nil {
		return err
	}
	if _, err := catalog.Import(ctx, cat, db, v); err != nil {
		return err
	}

	dialer, err := sshclient.NewDialer(sshclient.Config{KnownHostsPath: knownHosts, KillGrace: time.Second})
	if err != nil {
		return err
	}
	rec := recorder.New(db)
	engine := executor.New(executor.Deps{
		Hosts: db, Templates: db, Credentials: db,
		Vault: v, Recorder: rec, Connector: executor.SSH(dialer),
		ConnectTimeout: 5 * time.Second,
	})

	ids := func(tpl, host string) (string, string, error) {
		t, err := db.FindTemplate(ctx, tpl)
		if err != nil {
			return "", "", err
		}
		h, err := db.FindHost(ctx, host)
		if err != nil {
			return "", "", err
		}
		return t.ID, h.ID, nil
	}
	execute := func(ctx context.Context, tpl, host string, params map[string]string) (*executor.Result, error) {
		tid, hid, err := ids(tpl, host)
		if err != nil {
			return nil, err
		}
		return engine.Execute(ctx, tid, hid, params)
	}

	checks := []check{
		{"plain login", func(ctx context.Context) error {
			res, err := execute(ctx, "greet", "plain", map[string]string{"who": "it's me"})
			if err != nil {
				return err
			}
			if !res.Success || res.Stdout != "hello it's me\ndeploy\n" {
				return fmt.Errorf("unexpected result %+v", res)
			}
			return nil
		}},
		{"su elevation", func(ctx context.Context) error {
			res, err := execute(ctx, "greet", "elevated", map[string]string{"who": "root"})
			if err != nil {
				return err
			}
			if !res.Success || !strings.HasSuffix(res.Stdout, "\nroot\n") {
				return fmt.Errorf("unexpected result %+v", res)
			}
			return nil
		}},
		{"nonzero exit", func(ctx context.Context) error {
			res, err := execute(ctx, "fail", "plain", nil)
			if err != nil {
				return err
			}
			if res.Success || res.ExitCode != 3 || res.Stderr != "failing\n" {
				return fmt.Errorf("unexpected result %+v", res)
			}
			return nil
		}},
		{"command timeout", func(ctx context.Context) error {
			res, err := execute(ctx, "hang", "plain", nil)
			if err != nil {
				return err
			}
			if res.Err == nil || res.Err.Kind != types.KindTimeout || res.Stdout != "waiting\n" {
				return fmt.Errorf("unexpected result %+v", res)
			}
			return nil
		}},
		{"connection test", func(ctx context.Context) error {
			_, hid, err := ids("greet", "elevated")
			if err != nil {
				return err
			}
			res, err := engine.TestConnection(ctx, hid)
			if err != nil {
				return err
			}
			if res.Status != types.HostStatusOnline {
				return fmt.Errorf("status %s: %v", res.Status, res.Err)
			}
			return nil
		}},
		{"history chain", func(ctx context.Context) error {
			n, err := rec.Verify(ctx)
			if err != nil {
				return err
			}
			if n != 4 {
				return fmt.Errorf("verified %d records, want 4", n)
			}
			return nil
		}},
	}

	for _, c := range checks {
		if err := c.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
		fmt.Printf("✅ %s\n", c.name)
	}
	if !srv.WaitIdle(3 * time.Second) {
		return fmt.Errorf("%d SSH connections left open", srv.ActiveConns())
	}
	return nil
}
