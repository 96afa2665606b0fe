package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/clawmesh/internal/config"
)

type healthReport struct {
	Healthy          bool   `json:"healthy"`
	Backend          string `json:"backend"`
	Sessions         int    `json:"sessions"`
	RegisteredAgents int    `json:"registered_agents"`
	Version          string `json:"version"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	return runStatus(ctx, args, os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
}

// runStatus prints the gateway's /healthz body. On a terminal the report is
// summarised; otherwise the raw JSON is passed through for scripts.
func runStatus(ctx context.Context, args []string, out io.Writer, pretty bool) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: clawmesh status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL(cfg.Gateway.BindAddr), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var report healthReport
	if pretty && json.Unmarshal(body, &report) == nil {
		state := "healthy"
		if !report.Healthy {
			state = "UNHEALTHY"
		}
		fmt.Fprintf(out, "clawmesh %s: %s\n", report.Version, state)
		fmt.Fprintf(out, "  backend:  %s\n", report.Backend)
		fmt.Fprintf(out, "  sessions: %d\n", report.Sessions)
		fmt.Fprintf(out, "  agents:   %d\n", report.RegisteredAgents)
	} else {
		_, _ = out.Write(body)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			_, _ = out.Write([]byte("\n"))
		}
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func healthURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = config.DefaultBindAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		// A wildcard bind is reached over loopback.
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}
