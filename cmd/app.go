package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"rexec/internal/config"
	"rexec/internal/executor"
	"rexec/internal/logging"
	"rexec/internal/recorder"
	"rexec/internal/sshclient"
	"rexec/internal/store"
	"rexec/internal/types"
	"rexec/internal/util"
	"rexec/internal/vault"
)

// app bundles what most subcommands need.
type app struct {
	cfg    *config.Config
	db     *store.DB
	vault  *vault.Vault
	rec    *recorder.Recorder
	engine *executor.Engine

	closeOnce sync.Once
}

func configPath() string {
	if configFile != "" {
		return configFile
	}
	return config.ConfigFileName
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadAndValidateConfigWithPath(configPath())
	if err != nil {
		return nil, err
	}
	if err := logging.Init(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output}); err != nil {
		return nil, err
	}
	for _, name := range cfg.MissingEnv {
		logging.Warn("config references an unset variable", map[string]interface{}{"var": name})
	}
	return cfg, nil
}

func loadVault(cfg *config.Config) (*vault.Vault, error) {
	var key vault.Key
	var err error
	switch {
	case cfg.Vault.KeyFile != "":
		key, err = vault.LoadKeyFile(cfg.Vault.KeyFile)
	case cfg.Vault.Key != "":
		key, err = vault.ParseKey(cfg.Vault.Key)
	default:
		return nil, fmt.Errorf("no vault key: set vault.key, vault.key_file or %s", config.VaultKeyEnv)
	}
	if err != nil {
		return nil, err
	}
	return vault.New(key)
}

// openApp loads the config, opens the database and wires the engine.
func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	v, err := loadVault(cfg)
	if err != nil {
		return nil, err
	}
	dialer, err := sshclient.NewDialer(sshclient.Config{
		KnownHostsPath:        cfg.SSH.KnownHosts,
		InsecureIgnoreHostKey: cfg.SSH.InsecureIgnoreHostKey,
		KillGrace:             cfg.SSH.KillGrace.Std(),
	})
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	rec := recorder.New(db)
	return &app{
		cfg:   cfg,
		db:    db,
		vault: v,
		rec:   rec,
		engine: executor.New(executor.Deps{
			Hosts:          db,
			Templates:      db,
			Credentials:    db,
			Vault:          v,
			Recorder:       rec,
			Connector:      executor.SSH(dialer),
			ConnectTimeout: cfg.SSH.ConnectTimeout.Std(),
		}),
	}, nil
}

func (a *app) Close() {
	a.closeOnce.Do(func() {
		if err := a.db.Close(); err != nil {
			logging.Error("close database", map[string]interface{}{"error": err.Error()})
		}
		logging.Sync()
	})
}

// exit closes the app before leaving with code, since os.Exit skips deferred calls.
func (a *app) exit(code int) {
	a.Close()
	os.Exit(code)
}

// mustOpenApp is openApp for command handlers: it reports the error and exits.
func mustOpenApp() *app {
	a, err := openApp()
	if err != nil {
		fail("Failed to start: %v", err)
	}
	return a
}

// signalContext is cancelled on Ctrl-C so a running command is killed and recorded.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func fail(format string, args ...interface{}) {
	util.Default.Printf("❌ "+format+"\n", args...)
	logging.Sync()
	os.Exit(1)
}

func (a *app) findTemplate(ctx context.Context, ref string) types.CommandTemplate {
	t, err := a.db.FindTemplate(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		fail("Template '%s' not found", ref)
	}
	if err != nil {
		fail("Failed to load template: %v", err)
	}
	return t
}

func (a *app) findHost(ctx context.Context, ref string) types.Host {
	h, err := a.db.FindHost(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		fail("Host '%s' not found", ref)
	}
	if err != nil {
		fail("Failed to load host: %v", err)
	}
	return h
}
