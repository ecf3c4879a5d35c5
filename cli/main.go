package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	Version   = "dev"
)

type Session struct {
	ID            string    `json:"id"`
	DeviceID      string    `json:"device_id"`
	DeviceType    string    `json:"device_type"`
	AuthMethod    string    `json:"auth_method"`
	SecurityLevel string    `json:"security_level"`
	Status        string    `json:"status"`
	Encrypted     bool      `json:"encrypted"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"actor_id"`
	Resolved  bool      `json:"resolved"`
}

type IntegrityReport struct {
	Valid    bool   `json:"valid"`
	Total    int64  `json:"total_events"`
	Tampered []uint `json:"tampered_ids"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "teleguard",
		Short: "Teleguard - Secure device control and audit",
		Long:  "Inspect sessions, security alerts, and the signed audit ledger of a teleguard server",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8443", "Teleguard server URL")

	rootCmd.AddCommand(
		statusCmd(),
		sessionsCmd(),
		alertsCmd(),
		resolveCmd(),
		auditCmd(),
		stopCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show active session and open alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := fetchSessions()
			if err != nil {
				return err
			}
			alerts, err := fetchAlerts(false)
			if err != nil {
				return err
			}

			connected := 0
			for _, s := range sessions {
				if s.Status == "connected" {
					connected++
				}
			}

			fmt.Printf("Teleguard Status\n")
			fmt.Printf("================\n\n")
			fmt.Printf("Tracked Sessions:  %d\n", len(sessions))
			fmt.Printf("Connected:         %d\n", connected)
			fmt.Printf("Open Alerts:       %d\n", len(alerts))

			active, err := fetchActiveSession()
			if err != nil {
				fmt.Printf("Active Session:    none\n")
				return nil
			}
			fmt.Printf("Active Session:    %s (%s, %s)\n", active.ID, active.DeviceID, active.SecurityLevel)
			return nil
		},
	}
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ls", "list"},
		Short:   "List device sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := fetchSessions()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tTYPE\tSTATUS\tAUTH\tLEVEL\tLAST HEARTBEAT")
			fmt.Fprintln(w, "------\t----\t------\t----\t-----\t--------------")

			for _, s := range sessions {
				heartbeat := "-"
				if !s.LastHeartbeat.IsZero() {
					heartbeat = fmt.Sprintf("%s ago", time.Since(s.LastHeartbeat).Round(time.Second))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.DeviceID, s.DeviceType, s.Status, s.AuthMethod, s.SecurityLevel, heartbeat)
			}

			w.Flush()
			return nil
		},
	}
}

func alertsCmd() *cobra.Command {
	var includeResolved bool
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List security alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			alerts, err := fetchAlerts(includeResolved)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSEVERITY\tRESOLVED\tMESSAGE")
			fmt.Fprintln(w, "--\t----\t--------\t--------\t-------")
			for _, a := range alerts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", a.ID, a.Type, a.Severity, a.Resolved, a.Message)
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeResolved, "all", false, "include resolved alerts")
	return cmd
}

func resolveCmd() *cobra.Command {
	var resolvedBy string
	cmd := &cobra.Command{
		Use:   "resolve [alert-id]",
		Short: "Resolve a security alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]string{"resolved_by": resolvedBy})
			resp, err := http.Post(serverURL+"/v1/alerts/"+args[0]+"/resolve", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned status %d", resp.StatusCode)
			}
			fmt.Printf("Alert %s resolved\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&resolvedBy, "by", "operator", "resolver identity")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the signed audit ledger",
	}
	cmd.AddCommand(auditVerifyCmd(), auditExportCmd())
	return cmd
}

func auditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute every audit signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post(serverURL+"/v1/audit/verify", "application/json", nil)
			if err != nil {
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned status %d", resp.StatusCode)
			}

			var report IntegrityReport
			if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
				return err
			}

			fmt.Printf("Checked Events:  %d\n", report.Total)
			if report.Valid {
				fmt.Printf("Integrity:       OK\n")
				return nil
			}
			fmt.Printf("Integrity:       VIOLATED\n")
			fmt.Printf("Tampered IDs:    %v\n", report.Tampered)
			return fmt.Errorf("ledger integrity check failed")
		},
	}
}

func auditExportCmd() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export audit events to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(serverURL + "/v1/audit/export?format=" + format)
			if err != nil {
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned status %d", resp.StatusCode)
			}

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(f, resp.Body); err != nil {
				return err
			}
			fmt.Printf("Exported audit events to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "export format: json, csv")
	cmd.Flags().StringVar(&out, "out", "audit-export.json", "output file path")
	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Trigger an emergency stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post(serverURL+"/v1/emergency-stop", "application/json", nil)
			if err != nil {
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned status %d", resp.StatusCode)
			}
			fmt.Println("Emergency stop executed")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("teleguard version %s\n", Version)
		},
	}
}

func fetchSessions() ([]Session, error) {
	resp, err := http.Get(serverURL + "/v1/sessions")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	var sessions []Session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func fetchActiveSession() (*Session, error) {
	resp, err := http.Get(serverURL + "/v1/sessions/active")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("no active session")
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, err
	}
	return &session, nil
}

func fetchAlerts(includeResolved bool) ([]Alert, error) {
	url := serverURL + "/v1/alerts"
	if includeResolved {
		url += "?include_resolved=true"
	}
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	var alerts []Alert
	if err := json.NewDecoder(resp.Body).Decode(&alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}
