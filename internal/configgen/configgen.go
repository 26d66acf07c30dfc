// Package configgen projects database state into the sidecar's YAML
// configuration file. The projection is deterministic: the same inputs always
// produce byte-identical output, so a diff against the file on disk tells the
// supervisor whether a restart is needed.
package configgen

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/tokengate/tokengate/internal/store"
	"github.com/tokengate/tokengate/pkg/models"
)

// File is the root of the generated sidecar configuration. Rate limits are
// deliberately absent: the gateway enforces them in-process, so they must
// never force a sidecar restart.
type File struct {
	Port      int             `yaml:"port"`
	LogLevel  string          `yaml:"log-level"`
	AuthDir   string          `yaml:"auth-dir"`
	APIKeys   []string        `yaml:"api-keys,omitempty"`
	Providers []ProviderEntry `yaml:"providers,omitempty"`
	Mappings  []MappingEntry  `yaml:"model-mappings,omitempty"`
}

// ProviderEntry is one upstream block in the sidecar config.
type ProviderEntry struct {
	Name          string `yaml:"name"`
	Enabled       bool   `yaml:"enabled"`
	Accounts      int    `yaml:"accounts"`
	LoadBalancing string `yaml:"load-balancing,omitempty"`
	Timeout       int    `yaml:"timeout-seconds,omitempty"`
	Retry         int    `yaml:"request-retry,omitempty"`
}

// MappingEntry renames a requested model before routing.
type MappingEntry struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Generator builds sidecar config files from store state.
type Generator struct {
	store   store.Store
	authDir string
}

// New returns a generator writing auth material references under authDir.
func New(st store.Store, authDir string) *Generator {
	return &Generator{store: st, authDir: authDir}
}

// Render produces the YAML document for the current database state.
func (g *Generator) Render(ctx context.Context, cfg models.ServerConfig) ([]byte, error) {
	file := File{
		Port:     cfg.ProxyPort,
		LogLevel: cfg.LogLevel,
		AuthDir:  g.authDir,
	}

	providers, err := g.store.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	for _, p := range providers {
		accounts, err := g.store.ListAccounts(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("list accounts for %s: %w", p.Name, err)
		}
		active := 0
		for _, a := range accounts {
			if a.Status == models.AccountStatusActive {
				active++
			}
		}
		file.Providers = append(file.Providers, ProviderEntry{
			Name:          p.Name,
			Enabled:       p.Enabled,
			Accounts:      active,
			LoadBalancing: p.Settings.LoadBalancing,
			Timeout:       p.Settings.TimeoutSeconds,
			Retry:         p.Settings.RequestRetry,
		})
	}
	// ListProviders orders by name; keep that ordering explicit here so the
	// output stays stable even if the query changes.
	sort.Slice(file.Providers, func(i, j int) bool {
		return file.Providers[i].Name < file.Providers[j].Name
	})

	keys := make([]string, 0, len(cfg.ModelMappings))
	for from := range cfg.ModelMappings {
		keys = append(keys, from)
	}
	sort.Strings(keys)
	for _, from := range keys {
		file.Mappings = append(file.Mappings, MappingEntry{From: from, To: cfg.ModelMappings[from]})
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&file); err != nil {
		return nil, fmt.Errorf("encode sidecar config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write renders the config and atomically replaces path, returning whether
// the file content changed. A crash mid-write can never leave a truncated
// config behind: the temp file is renamed into place only once fully written.
func (g *Generator) Write(ctx context.Context, cfg models.ServerConfig, path string) (changed bool, err error) {
	rendered, err := g.Render(ctx, cfg)
	if err != nil {
		return false, err
	}

	existing, readErr := os.ReadFile(path)
	if readErr == nil && bytes.Equal(existing, rendered) {
		return false, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(rendered); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return false, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return false, err
	}
	return true, nil
}
