package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running Kiroku server",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("api-url", "http://localhost:8080", "base URL of the Kiroku API")
	statusCmd.Flags().String("token", "", "bearer token for servers with auth enabled")
	statusCmd.Flags().StringP("format", "f", "table", "output format (table, json, yaml)")
	statusCmd.Flags().BoolP("watch", "w", false, "refresh continuously")
	statusCmd.Flags().Duration("interval", 5*time.Second, "refresh interval with --watch")
}

// serverStatus mirrors the data payload of GET /api/v1/status.
type serverStatus struct {
	Service       string                 `json:"service"`
	Version       string                 `json:"version"`
	Status        string                 `json:"status"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Model         map[string]bool        `json:"model"`
	Options       map[string]interface{} `json:"options"`
	Host          map[string]interface{} `json:"host"`
	EntriesStored *int64                 `json:"entries_stored,omitempty"`
}

type statusEnvelope struct {
	Success bool          `json:"success"`
	Data    *serverStatus `json:"data"`
	Error   string        `json:"error"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")
	token, _ := cmd.Flags().GetString("token")
	format, _ := cmd.Flags().GetString("format")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	if !watch {
		status, err := fetchStatus(apiURL, token)
		if err != nil {
			return err
		}
		return displayStatus(status, format)
	}

	for {
		status, err := fetchStatus(apiURL, token)
		fmt.Print("\033[H\033[2J") // clear screen
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		} else if err := displayStatus(status, format); err != nil {
			return err
		}
		fmt.Printf("\nRefreshing every %s. Press Ctrl+C to exit.\n", interval)
		time.Sleep(interval)
	}
}

func fetchStatus(apiURL, token string) (*serverStatus, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(apiURL, "/")+"/api/v1/status", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("is the server running at %s? %w", apiURL, err)
	}
	defer resp.Body.Close()

	var envelope statusEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if !envelope.Success || envelope.Data == nil {
		if envelope.Error != "" {
			return nil, fmt.Errorf("server error: %s", envelope.Error)
		}
		return nil, fmt.Errorf("unexpected response (HTTP %d)", resp.StatusCode)
	}
	return envelope.Data, nil
}

func displayStatus(s *serverStatus, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case "yaml":
		return writeYAML(os.Stdout, s)
	case "table":
		displayStatusTable(s)
		return nil
	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}
}

func displayStatusTable(s *serverStatus) {
	fmt.Println(s.Service)
	fmt.Println(strings.Repeat("=", len(s.Service)))
	fmt.Printf("Version:  %s\n", s.Version)
	fmt.Printf("Status:   %s\n", s.Status)
	fmt.Printf("Uptime:   %s\n", time.Duration(s.UptimeSeconds)*time.Second)

	fmt.Println("\nModels:")
	for _, key := range []string{"anomaly_trained", "pattern_trained", "cluster_trained"} {
		state := "untrained"
		if s.Model[key] {
			state = "trained"
		}
		name := strings.TrimSuffix(key, "_trained")
		fmt.Printf("  %-10s %s\n", name+":", state)
	}

	fmt.Println("\nHost:")
	if g, ok := s.Host["goroutines"].(float64); ok {
		fmt.Printf("  Goroutines: %d\n", int(g))
	}
	if cpu, ok := s.Host["cpu_percent"].(float64); ok {
		fmt.Printf("  CPU:        %.1f%%\n", cpu)
	}
	if mem, ok := s.Host["memory_percent"].(float64); ok {
		fmt.Printf("  Memory:     %.1f%%", mem)
		if used, ok := s.Host["memory_used"].(string); ok {
			fmt.Printf(" (%s used)", used)
		}
		fmt.Println()
	}

	if s.EntriesStored != nil {
		fmt.Printf("\nStored entries: %s\n", humanize.Comma(*s.EntriesStored))
	}
}
