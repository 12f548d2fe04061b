// Package config loads the docmap configuration file.
//
// Every setting has a default, so a missing file is not an error. Command
// line flags override file values.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/docmap/internal/conflict"
	"github.com/roach88/docmap/internal/replication"
)

// DefaultFile is the configuration file looked up in the working directory.
const DefaultFile = "docmap.yaml"

// Config is the top-level configuration.
type Config struct {
	// Store is the path of the local database file.
	Store string `yaml:"store"`

	// Model is a CUE file or directory describing the entities.
	Model string `yaml:"model"`

	LogLevel string `yaml:"log_level"`
	Format   string `yaml:"format"`

	Replication Replication `yaml:"replication"`
	Conflicts   Conflicts   `yaml:"conflicts"`
}

// Replication configures replication jobs and named remotes.
type Replication struct {
	BatchSize int               `yaml:"batch_size"`
	Remotes   map[string]Remote `yaml:"remotes"`
}

// Remote is a named peer.
type Remote struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username,omitempty"`

	// PasswordEnv names the environment variable holding the password.
	PasswordEnv string `yaml:"password_env,omitempty"`
}

// Conflicts configures merging of conflicting revisions.
type Conflicts struct {
	// Relationships is the merge policy for ordered to-many relationships:
	// "flag" or "union".
	Relationships string `yaml:"relationships"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Store:    "docmap.db",
		Model:    "model",
		LogLevel: "info",
		Format:   "text",
		Replication: Replication{
			BatchSize: replication.DefaultBatchSize,
		},
		Conflicts: Conflicts{Relationships: "flag"},
	}
}

// Load reads path over the defaults. A missing file at the default
// location yields the defaults; a missing explicit file is an error.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	f, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var (
	logLevels = map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	formats  = []string{"text", "json"}
	policies = map[string]conflict.RelationshipPolicy{
		"flag":  conflict.RelationshipFlag,
		"union": conflict.RelationshipUnion,
	}
)

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var problems []string
	if c.Store == "" {
		problems = append(problems, "store: must not be empty")
	}
	if _, ok := logLevels[strings.ToLower(c.LogLevel)]; !ok {
		problems = append(problems, fmt.Sprintf("log_level: unknown level %q", c.LogLevel))
	}
	if !slices.Contains(formats, c.Format) {
		problems = append(problems, fmt.Sprintf("format: must be one of %v", formats))
	}
	if c.Replication.BatchSize <= 0 {
		problems = append(problems, "replication.batch_size: must be positive")
	}
	if _, ok := policies[c.Conflicts.Relationships]; !ok {
		problems = append(problems, fmt.Sprintf("conflicts.relationships: unknown policy %q", c.Conflicts.Relationships))
	}

	for _, name := range c.RemoteNames() {
		r := c.Replication.Remotes[name]
		if r.URL == "" {
			problems = append(problems, fmt.Sprintf("replication.remotes.%s.url: must not be empty", name))
			continue
		}
		if u, err := url.Parse(r.URL); err != nil || u.Scheme == "" {
			problems = append(problems, fmt.Sprintf("replication.remotes.%s.url: %q is not an absolute URL", name, r.URL))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

// Level returns the configured log level.
func (c Config) Level() slog.Level {
	return logLevels[strings.ToLower(c.LogLevel)]
}

// Policy returns the configured relationship merge policy.
func (c Config) Policy() conflict.RelationshipPolicy {
	return policies[c.Conflicts.Relationships]
}

// ResolveRemote turns a remote name from the config, or a literal URL, into
// a URL and credentials.
func (c Config) ResolveRemote(nameOrURL string) (string, replication.Credentials, error) {
	r, ok := c.Replication.Remotes[nameOrURL]
	if !ok {
		if strings.Contains(nameOrURL, ":") {
			return nameOrURL, replication.Credentials{}, nil
		}
		return "", replication.Credentials{}, fmt.Errorf("unknown remote %q", nameOrURL)
	}
	creds := replication.Credentials{Username: r.Username}
	if r.PasswordEnv != "" {
		creds.Password = os.Getenv(r.PasswordEnv)
	}
	return r.URL, creds, nil
}

// RemoteNames returns the configured remote names, sorted.
func (c Config) RemoteNames() []string {
	names := make([]string, 0, len(c.Replication.Remotes))
	for name := range c.Replication.Remotes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
