// Package catalog imports hosts and command templates from a YAML file into the store.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"rexec/internal/config"
	"rexec/internal/render"
	"rexec/internal/store"
	"rexec/internal/types"
	"rexec/internal/vault"
)

type Catalog struct {
	Hosts     []HostEntry     `yaml:"hosts"`
	Templates []TemplateEntry `yaml:"templates"`

	// MissingEnv lists ${VAR} references in host entries that resolved to nothing.
	MissingEnv []string `yaml:"-"`
}

type HostEntry struct {
	Name       string          `yaml:"name"`
	Kind       types.HostKind  `yaml:"kind"`
	Address    string          `yaml:"address"`
	Port       int             `yaml:"port"`
	Username   string          `yaml:"username"`
	Elevation  types.Elevation `yaml:"elevation"`
	Credential CredentialEntry `yaml:"credential"`
}

// CredentialEntry holds plaintext secrets or vault envelopes.
type CredentialEntry struct {
	Password        string `yaml:"password,omitempty"`
	PrivateKey      string `yaml:"private_key,omitempty"`
	PrivateKeyFile  string `yaml:"private_key_file,omitempty"`
	Passphrase      string `yaml:"passphrase,omitempty"`
	ElevationSecret string `yaml:"elevation_secret,omitempty"`
}

type TemplateEntry struct {
	Name           string            `yaml:"name"`
	Category       string            `yaml:"category"`
	Command        string            `yaml:"command"`
	Description    string            `yaml:"description"`
	HostKinds      []types.HostKind  `yaml:"host_kinds"`
	Params         []types.ParamSpec `yaml:"params"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Confirm        bool              `yaml:"confirm"`
}

// Parse decodes a catalog, rejecting unknown fields.
func Parse(r io.Reader) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c.applyDefaults()
	return &c, nil
}

// Load reads the catalog at path. ${VAR} references in host entries are resolved from
// the environment and a .env file next to the catalog; private_key_file paths are read.
// Template text is never interpolated since commands use shell syntax.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	envMap, err := config.LoadDotEnvIfExists(dir)
	if err != nil {
		return nil, err
	}
	for i := range c.Hosts {
		h := &c.Hosts[i]
		for _, f := range []*string{
			&h.Address, &h.Username,
			&h.Credential.Password, &h.Credential.PrivateKey, &h.Credential.PrivateKeyFile,
			&h.Credential.Passphrase, &h.Credential.ElevationSecret,
		} {
			var missing []string
			*f, missing = config.InterpolateEnv(*f, envMap)
			c.MissingEnv = append(c.MissingEnv, missing...)
		}
		if h.Credential.PrivateKeyFile != "" && h.Credential.PrivateKey == "" {
			p := h.Credential.PrivateKeyFile
			if !filepath.IsAbs(p) {
				p = filepath.Join(dir, p)
			}
			b, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("host %s: read private key: %w", h.Name, err)
			}
			h.Credential.PrivateKey = string(b)
		}
	}
	return c, nil
}

func (c *Catalog) applyDefaults() {
	for i := range c.Hosts {
		h := &c.Hosts[i]
		if h.Kind == "" {
			h.Kind = types.HostKindSSH
		}
		if h.Port == 0 {
			h.Port = 22
		}
		if h.Elevation.Mode == "" {
			h.Elevation.Mode = types.ElevationNone
		}
	}
	for i := range c.Templates {
		if len(c.Templates[i].HostKinds) == 0 {
			c.Templates[i].HostKinds = []types.HostKind{types.HostKindSSH}
		}
	}
}

func (t TemplateEntry) template() types.CommandTemplate {
	return types.CommandTemplate{
		Name:           t.Name,
		Category:       t.Category,
		Command:        t.Command,
		Description:    strings.TrimSpace(t.Description),
		HostKinds:      t.HostKinds,
		Params:         t.Params,
		TimeoutSeconds: t.TimeoutSeconds,
		Confirm:        t.Confirm,
	}
}

// Validate checks every entry and reports all problems at once.
func (c *Catalog) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) { problems = append(problems, fmt.Sprintf(format, args...)) }

	names := map[string]bool{}
	idents := map[string]bool{}
	for i, h := range c.Hosts {
		label := fmt.Sprintf("host %d (%s)", i+1, h.Name)
		if strings.TrimSpace(h.Name) == "" {
			add("%s: name cannot be empty", label)
		} else if names[h.Name] {
			add("%s: duplicate name", label)
		}
		names[h.Name] = true
		if !h.Kind.Valid() {
			add("%s: invalid kind '%s' (must be ssh or appliance-ssh)", label, h.Kind)
		}
		if strings.TrimSpace(h.Address) == "" {
			add("%s: address cannot be empty", label)
		}
		if h.Port < 1 || h.Port > 65535 {
			add("%s: port %d out of range", label, h.Port)
		}
		if strings.TrimSpace(h.Username) == "" {
			add("%s: username cannot be empty", label)
		}
		ident := fmt.Sprintf("%s@%s:%d", h.Username, h.Address, h.Port)
		if idents[ident] {
			add("%s: another host already uses %s", label, ident)
		}
		idents[ident] = true
		switch h.Elevation.Mode {
		case types.ElevationNone:
		case types.ElevationSu:
			if h.Elevation.User == "" {
				add("%s: su elevation requires a user", label)
			}
			if h.Credential.ElevationSecret == "" {
				add("%s: su elevation requires credential.elevation_secret", label)
			}
		default:
			add("%s: invalid elevation mode '%s' (must be none or su)", label, h.Elevation.Mode)
		}
		if h.Credential.Password == "" && h.Credential.PrivateKey == "" && h.Credential.PrivateKeyFile == "" {
			add("%s: credential needs a password or a private key", label)
		}
	}

	tnames := map[string]bool{}
	for i, t := range c.Templates {
		label := fmt.Sprintf("template %d (%s)", i+1, t.Name)
		if strings.TrimSpace(t.Name) == "" {
			add("%s: name cannot be empty", label)
		} else if tnames[t.Name] {
			add("%s: duplicate name", label)
		}
		tnames[t.Name] = true
		for _, k := range t.HostKinds {
			if !k.Valid() {
				add("%s: invalid host kind '%s'", label, k)
			}
		}
		if t.TimeoutSeconds < 0 {
			add("%s: timeout_seconds cannot be negative", label)
		}
		if err := render.CheckTemplate(t.template()); err != nil {
			add("%s: %v", label, err)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("catalog validation failed:\n%s", strings.Join(problems, "\n"))
	}
	return nil
}

// Registry is the part of the store the importer writes to.
type Registry interface {
	FindHost(ctx context.Context, ref string) (types.Host, error)
	UpsertHost(ctx context.Context, h *types.Host) error
	PutCredential(ctx context.Context, sc types.SealedCredential) error
	FindTemplate(ctx context.Context, ref string) (types.CommandTemplate, error)
	UpsertTemplate(ctx context.Context, t *types.CommandTemplate) error
}

// Summary counts what an import wrote.
type Summary struct {
	HostsCreated, HostsUpdated         int
	TemplatesCreated, TemplatesUpdated int
}

// Import validates c, seals its secrets with v and upserts everything by name.
// Values that are already vault envelopes are stored as they are after checking that v
// can open them.
func Import(ctx context.Context, c *Catalog, reg Registry, v *vault.Vault) (Summary, error) {
	var sum Summary
	if err := c.Validate(); err != nil {
		return sum, err
	}

	for _, e := range c.Hosts {
		h := types.Host{
			Name: e.Name, Kind: e.Kind, Address: e.Address, Port: e.Port,
			Username: e.Username, Elevation: e.Elevation,
		}
		sc, err := seal(v, e.Credential)
		if err != nil {
			return sum, fmt.Errorf("host %s: %w", e.Name, err)
		}
		existing, err := reg.FindHost(ctx, e.Name)
		switch {
		case err == nil:
			h.ID = existing.ID
			sum.HostsUpdated++
		case errors.Is(err, store.ErrNotFound):
			sum.HostsCreated++
		default:
			return sum, err
		}
		if err := reg.UpsertHost(ctx, &h); err != nil {
			return sum, err
		}
		sc.HostID = h.ID
		if err := reg.PutCredential(ctx, sc); err != nil {
			return sum, err
		}
	}

	for _, e := range c.Templates {
		t := e.template()
		existing, err := reg.FindTemplate(ctx, e.Name)
		switch {
		case err == nil:
			t.ID = existing.ID
			sum.TemplatesUpdated++
		case errors.Is(err, store.ErrNotFound):
			sum.TemplatesCreated++
		default:
			return sum, err
		}
		if err := reg.UpsertTemplate(ctx, &t); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func seal(v *vault.Vault, c CredentialEntry) (types.SealedCredential, error) {
	var sc types.SealedCredential
	fields := []struct {
		name  string
		value string
		dst   *string
	}{
		{"password", c.Password, &sc.Password},
		{"private key", c.PrivateKey, &sc.PrivateKey},
		{"passphrase", c.Passphrase, &sc.Passphrase},
		{"elevation secret", c.ElevationSecret, &sc.ElevationSecret},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if vault.IsEnvelope(f.value) {
			if _, err := v.Decrypt(f.value); err != nil {
				return sc, fmt.Errorf("sealed %s: %w", f.name, err)
			}
			*f.dst = f.value
			continue
		}
		env, err := v.Encrypt(f.value)
		if err != nil {
			return sc, err
		}
		*f.dst = env
	}
	return sc, nil
}
