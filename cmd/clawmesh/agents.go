package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/clawmesh/internal/config"
	"github.com/basket/clawmesh/internal/registry"
)

const agentsUsage = `usage: clawmesh agents [-registry URL] <action>

Actions:
  list                      List registered agents
  get <name>                Show one agent
  register <name> <url>     Register or re-register an agent
  unregister <name>         Remove an agent
  pull <file|url>           Register every agent in a YAML manifest

Manifest format:
  agents:
    - name: sec-agent
      url: http://127.0.0.1:9003`

// AgentManifest is the document accepted by "agents pull".
type AgentManifest struct {
	Agents []ManifestAgent `yaml:"agents"`
}

type ManifestAgent struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type registryClient struct {
	base string
	http *http.Client
}

// apiError is the error body both HTTP surfaces write.
type apiError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func runAgentsCommand(ctx context.Context, args []string) int {
	return runAgents(ctx, args, os.Stdout, os.Stderr)
}

func runAgents(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("agents", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintln(stderr, agentsUsage) }
	base := fs.String("registry", "", "registry service URL (default: from config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	if *base == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(stderr, "config load: %v\n", err)
			return 1
		}
		*base = registryURL(cfg.Registry)
	}
	c := &registryClient{base: strings.TrimRight(*base, "/"), http: &http.Client{Timeout: 10 * time.Second}}

	action, params := strings.ToLower(rest[0]), rest[1:]
	var err error
	switch {
	case action == "list" && len(params) == 0:
		err = c.list(ctx, stdout)
	case action == "get" && len(params) == 1:
		err = c.get(ctx, stdout, params[0])
	case action == "register" && len(params) == 2:
		err = c.register(ctx, stdout, params[0], params[1])
	case action == "unregister" && len(params) == 1:
		err = c.unregister(ctx, stdout, params[0])
	case action == "pull" && len(params) == 1:
		err = c.pull(ctx, stdout, params[0])
	default:
		fs.Usage()
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// registryURL turns the registry listener config into a client URL.
func registryURL(rc config.RegistryConfig) string {
	host := rc.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, fmt.Sprint(rc.Port))
}

func (c *registryClient) list(ctx context.Context, out io.Writer) error {
	var body struct {
		Agents map[string]string `json:"agents"`
		Count  int               `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &body); err != nil {
		return err
	}
	names := make([]string, 0, len(body.Agents))
	for name := range body.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "%s\t%s\n", name, body.Agents[name])
	}
	fmt.Fprintf(out, "%d agent(s)\n", body.Count)
	return nil
}

func (c *registryClient) get(ctx context.Context, out io.Writer, name string) error {
	var body struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(name), nil, &body); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\t%s\n", body.Name, body.URL)
	return nil
}

func (c *registryClient) register(ctx context.Context, out io.Writer, name, agentURL string) error {
	if err := registry.ValidateName(name); err != nil {
		return err
	}
	if err := registry.ValidateURL(agentURL); err != nil {
		return err
	}
	req := map[string]string{"name": name, "url": agentURL}
	if err := c.do(ctx, http.MethodPost, "/register", req, nil); err != nil {
		return err
	}
	fmt.Fprintf(out, "registered %s -> %s\n", name, agentURL)
	return nil
}

func (c *registryClient) unregister(ctx context.Context, out io.Writer, name string) error {
	var body struct {
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodDelete, "/unregister/"+url.PathEscape(name), nil, &body); err != nil {
		return err
	}
	fmt.Fprintln(out, body.Message)
	return nil
}

// pull registers every manifest entry. Entries are validated up front so a
// bad manifest registers nothing.
func (c *registryClient) pull(ctx context.Context, out io.Writer, source string) error {
	raw, err := c.fetchManifest(ctx, source)
	if err != nil {
		return err
	}
	var m AgentManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("invalid manifest YAML: %w", err)
	}
	if len(m.Agents) == 0 {
		return errors.New("manifest lists no agents")
	}
	for i, a := range m.Agents {
		if err := registry.ValidateName(a.Name); err != nil {
			return fmt.Errorf("agents[%d]: %w", i, err)
		}
		if err := registry.ValidateURL(a.URL); err != nil {
			return fmt.Errorf("agents[%d] (%s): %w", i, a.Name, err)
		}
	}
	for _, a := range m.Agents {
		if err := c.register(ctx, out, a.Name, a.URL); err != nil {
			return fmt.Errorf("register %s: %w", a.Name, err)
		}
	}
	return nil
}

func (c *registryClient) fetchManifest(ctx context.Context, source string) ([]byte, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return os.ReadFile(source)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return nil, errors.New("URL returned HTML, not YAML; use the raw file URL")
	}
	return io.ReadAll(io.LimitReader(resp.Body, registry.MaxBodyBytes))
}

func (c *registryClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("registry unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, registry.MaxBodyBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && ae.Code != "" {
			return fmt.Errorf("%s: %s", ae.Code, ae.Message)
		}
		return fmt.Errorf("registry returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
