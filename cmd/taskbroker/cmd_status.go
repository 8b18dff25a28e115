package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"taskbroker/pkg/protocol"
)

// statusReport mirrors the body of GET /api/v1/status/.
type statusReport struct {
	Sessions []struct {
		ID             string `json:"id"`
		ContainerID    string `json:"container_id"`
		ServiceName    string `json:"service_name"`
		ServiceVersion string `json:"service_version"`
		Transport      string `json:"transport"`
		Status         string `json:"status"`
		SID            string `json:"sid"`
		Deadline       string `json:"deadline"`
	} `json:"sessions"`
	Queues map[string]int `json:"queues"`
}

// newStatusCmd creates the "taskbroker status" subcommand.
func newStatusCmd(g *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connected workers and queue depths of a running broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = dialable(cfg.Server.HTTPListen)
			}
			report, err := fetchStatus(cmd, addr, cfg.AuthKey)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			renderStatus(w, report, isTTY(w))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "broker address (default: server.http_listen)")
	return cmd
}

// dialable turns a listen address into one a client can reach.
func dialable(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func fetchStatus(cmd *cobra.Command, addr, key string) (*statusReport, error) {
	url := "http://" + strings.TrimPrefix(addr, "http://") + "/api/v1/status/"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return nil, xerrors.Errorf("build status request: %w", err)
	}
	host, _ := os.Hostname()
	req.Header.Set(protocol.HeaderAPIKey, key)
	req.Header.Set(protocol.HeaderContainerID, "cli-"+host)
	req.Header.Set(protocol.HeaderServiceName, "taskbroker-cli")
	req.Header.Set(protocol.HeaderServiceVersion, "0")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("query broker at %s: %w", addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var env struct {
		Response     json.RawMessage `json:"api_response"`
		ErrorMessage string          `json:"api_error_message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, xerrors.Errorf("decode status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.Errorf("broker answered %d: %s", resp.StatusCode, env.ErrorMessage)
	}
	var report statusReport
	if err := json.Unmarshal(env.Response, &report); err != nil {
		return nil, xerrors.Errorf("decode status report: %w", err)
	}
	return &report, nil
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// statusStyles colours the report. Plain output uses unstyled renders.
type statusStyles struct {
	header     lipgloss.Style
	processing lipgloss.Style
	waiting    lipgloss.Style
	muted      lipgloss.Style
}

func newStatusStyles(color bool) statusStyles {
	if !color {
		plain := lipgloss.NewStyle()
		return statusStyles{header: plain, processing: plain, waiting: plain, muted: plain}
	}
	return statusStyles{
		header:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		processing: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		waiting:    lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		muted:      lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

func renderStatus(w io.Writer, r *statusReport, color bool) {
	st := newStatusStyles(color)

	fmt.Fprintln(w, st.header.Render(fmt.Sprintf("Workers (%d)", len(r.Sessions))))
	if len(r.Sessions) == 0 {
		fmt.Fprintln(w, st.muted.Render("  none connected"))
	}
	for _, s := range r.Sessions {
		status := s.Status
		switch s.Status {
		case "PROCESSING":
			status = st.processing.Render(status)
		case "WAITING":
			status = st.waiting.Render(status)
		default:
			status = st.muted.Render(status)
		}
		line := fmt.Sprintf("  %-24s %-16s %-10s %-9s %s", s.ContainerID, s.ServiceName, s.ServiceVersion, s.Transport, status)
		if s.SID != "" {
			line += fmt.Sprintf(" sid=%s deadline=%s", s.SID, s.Deadline)
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, st.header.Render("Queues"))
	names := make([]string, 0, len(r.Queues))
	for name := range r.Queues {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		fmt.Fprintln(w, st.muted.Render("  empty"))
	}
	for _, name := range names {
		fmt.Fprintf(w, "  %-24s %d\n", name, r.Queues[name])
	}
}
