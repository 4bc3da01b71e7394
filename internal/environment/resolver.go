package environment

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Per-environment variable name prefixes. The full name is the prefix plus
// the upper-cased base environment name, e.g. QA_API_KEY_PRODUCTION.
const (
	VarQAEndpointURL = "QA_ENDPOINT_URL"
	VarQAAPIKey      = "QA_API_KEY"
	VarDDNURL        = "DDN_URL"
)

// Judge service variables, shared across environments.
const (
	VarJudgeBaseURL   = "JUDGE_BASE_URL"
	VarJudgeAPIKey    = "JUDGE_API_KEY"
	VarJudgeProjectID = "JUDGE_PROJECT_ID"
)

// Config is the resolved connection settings for one environment target.
// Derived deterministically from the target plus process configuration.
type Config struct {
	Target        Target
	QAEndpointURL string
	QAAPIKey      string
	// DDNURL is the backend GraphQL endpoint. When the target carries a
	// version, the first hostname label is suffixed with "-{version}".
	DDNURL       string
	SystemPrompt string

	JudgeBaseURL   string
	JudgeAPIKey    string
	JudgeProjectID string
}

// ConfigurationError aggregates every missing requirement across all
// requested environments, so an operator sees the full list at once rather
// than fixing variables one failure at a time.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	var sb strings.Builder
	sb.WriteString("missing configuration:\n")
	for _, m := range e.Missing {
		sb.WriteString("  - ")
		sb.WriteString(m)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Resolver resolves environment targets against process configuration and
// the on-disk system prompt directory.
type Resolver struct {
	promptsDir   string
	lookup       func(string) (string, bool)
	requireJudge bool
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLookup replaces the process-environment lookup, for tests.
func WithLookup(fn func(string) (string, bool)) ResolverOption {
	return func(r *Resolver) {
		r.lookup = fn
	}
}

// WithJudgeRequired makes the judge variables mandatory. Used when the suite
// has judging enabled.
func WithJudgeRequired(required bool) ResolverOption {
	return func(r *Resolver) {
		r.requireJudge = required
	}
}

// NewResolver creates a Resolver reading from the process environment and
// loading system prompts from promptsDir.
func NewResolver(promptsDir string, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		promptsDir: promptsDir,
		lookup:     os.LookupEnv,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ResolveAll resolves every target, collecting all missing variables and
// prompt files across all targets into a single *ConfigurationError. On
// success the returned configs are in target order.
func (r *Resolver) ResolveAll(targets []Target) ([]Config, error) {
	var missing []string
	configs := make([]Config, 0, len(targets))

	judgeBaseURL, _ := r.lookup(VarJudgeBaseURL)
	judgeAPIKey, _ := r.lookup(VarJudgeAPIKey)
	judgeProjectID, _ := r.lookup(VarJudgeProjectID)
	if r.requireJudge {
		for _, v := range []string{VarJudgeBaseURL, VarJudgeAPIKey, VarJudgeProjectID} {
			if val, ok := r.lookup(v); !ok || val == "" {
				missing = append(missing, v)
			}
		}
	}

	for _, t := range targets {
		cfg, errs := r.resolve(t)
		if len(errs) > 0 {
			missing = append(missing, errs...)
			continue
		}
		cfg.JudgeBaseURL = judgeBaseURL
		cfg.JudgeAPIKey = judgeAPIKey
		cfg.JudgeProjectID = judgeProjectID
		configs = append(configs, cfg)
	}

	if len(missing) > 0 {
		return nil, &ConfigurationError{Missing: missing}
	}

	return configs, nil
}

// resolve resolves one target, returning the config and a list of missing
// requirements. The config is only meaningful when the list is empty.
func (r *Resolver) resolve(t Target) (Config, []string) {
	var missing []string

	read := func(prefix string) string {
		name := fmt.Sprintf("%s_%s", prefix, strings.ToUpper(t.Base))
		v, ok := r.lookup(name)
		if !ok || v == "" {
			missing = append(missing, fmt.Sprintf("%s (environment %s)", name, t.DisplayName))
		}
		return v
	}

	cfg := Config{
		Target:        t,
		QAEndpointURL: read(VarQAEndpointURL),
		QAAPIKey:      read(VarQAAPIKey),
		DDNURL:        read(VarDDNURL),
	}

	if t.Version != "" && cfg.DDNURL != "" {
		rewritten, err := versionedURL(cfg.DDNURL, t.Version)
		if err != nil {
			missing = append(missing, fmt.Sprintf("%s_%s is not a valid URL for environment %s: %v",
				VarDDNURL, strings.ToUpper(t.Base), t.DisplayName, err))
		} else {
			cfg.DDNURL = rewritten
		}
	}

	prompt, err := r.systemPrompt(t)
	if err != nil {
		missing = append(missing, err.Error())
	} else {
		cfg.SystemPrompt = prompt
	}

	return cfg, missing
}

// systemPrompt loads the system prompt resource for a target. A
// version-specific file ("<base>-<version>.txt") takes precedence and falls
// back to the base environment file ("<base>.txt").
func (r *Resolver) systemPrompt(t Target) (string, error) {
	candidates := []string{}
	if t.Version != "" {
		candidates = append(candidates, fmt.Sprintf("%s-%s.txt", t.Base, t.Version))
	}
	candidates = append(candidates, t.Base+".txt")

	for _, name := range candidates {
		data, err := os.ReadFile(filepath.Join(r.promptsDir, name))
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("system prompt for %s: reading %s: %v", t.DisplayName, name, err)
		}
	}

	return "", fmt.Errorf("system prompt for %s: none of %s found in %s",
		t.DisplayName, strings.Join(candidates, ", "), r.promptsDir)
}

// versionedURL inserts "-{version}" after the first DNS label of the URL's
// hostname, e.g. ur-production.example.com -> ur-production-abc123.example.com.
func versionedURL(raw, version string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("no hostname in %q", raw)
	}

	labels := strings.Split(host, ".")
	labels[0] = labels[0] + "-" + version
	newHost := strings.Join(labels, ".")
	if port := u.Port(); port != "" {
		newHost = net.JoinHostPort(newHost, port)
	}
	u.Host = newHost

	return u.String(), nil
}
