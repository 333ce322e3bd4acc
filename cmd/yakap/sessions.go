package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/go-resty/resty/v2"
	"github.com/goodtune/yakap/internal/config"
	"github.com/goodtune/yakap/internal/session"
	"github.com/spf13/cobra"
)

var (
	sessionsAPI  string
	sessionsYes  bool
	startName    string
	startMonths  int
	showReadings int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage recorded sessions",
	Long:  `List, inspect, start, end and delete sessions through a running yakap server.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:     "show START_TIME",
	Short:   "Show a session and its readings",
	Example: `  yakap sessions show 2024-05-14T09:30:00.000Z`,
	Args:    cobra.ExactArgs(1),
	RunE:    runSessionsShow,
}

var sessionsStartCmd = &cobra.Command{
	Use:     "start",
	Short:   "Start recording a session",
	Example: `  yakap sessions start --name "Maria" --months 7`,
	Args:    cobra.NoArgs,
	RunE:    runSessionsStart,
}

var sessionsEndCmd = &cobra.Command{
	Use:   "end",
	Short: "End the session being recorded",
	Args:  cobra.NoArgs,
	RunE:  runSessionsEnd,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete START_TIME",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every session",
	Args:  cobra.NoArgs,
	RunE:  runSessionsClear,
}

func init() {
	sessionsCmd.PersistentFlags().StringVar(&sessionsAPI, "api", "", "Base URL of the yakap API (default from server.api_port)")

	sessionsShowCmd.Flags().IntVar(&showReadings, "readings", 20, "Number of most recent readings to print (0 for all)")

	sessionsStartCmd.Flags().StringVar(&startName, "name", "", "Patient name (required)")
	sessionsStartCmd.Flags().IntVar(&startMonths, "months", 0, "Months pregnant, 1-10 (required)")
	_ = sessionsStartCmd.MarkFlagRequired("name")
	_ = sessionsStartCmd.MarkFlagRequired("months")

	sessionsClearCmd.Flags().BoolVar(&sessionsYes, "yes", false, "Do not ask for confirmation")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsStartCmd, sessionsEndCmd, sessionsDeleteCmd, sessionsClearCmd)
	rootCmd.AddCommand(sessionsCmd)
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type sessionItem struct {
	PatientInfo session.PatientInfo `json:"patientInfo"`
	StartTime   string              `json:"startTime"`
	EndTime     string              `json:"endTime"`
	Summary     session.Summary     `json:"summary"`
}

type sessionDetail struct {
	session.Session
	Summary session.Summary `json:"summary"`
}

// apiClient returns a client for the server named by --api, or the local
// server from the config file.
func apiClient() (*resty.Client, error) {
	base := sessionsAPI
	if base == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		base = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.APIPort)
	}

	return resty.New().
		SetBaseURL(strings.TrimRight(base, "/")).
		SetTimeout(10 * time.Second).
		SetHeader("Accept", "application/json"), nil
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}
	if e, ok := resp.Error().(*apiError); ok && e.Message != "" {
		return fmt.Errorf("%s: %s", e.Error, e.Message)
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode())
}

func sessionPath(startTime string) string {
	return "/api/sessions/" + url.PathEscape(startTime)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	client, err := apiClient()
	if err != nil {
		return err
	}

	var result struct {
		Sessions []sessionItem `json:"sessions"`
		Count    int           `json:"count"`
	}
	if err := checkResponse(client.R().
		SetContext(cmd.Context()).
		SetResult(&result).
		SetError(&apiError{}).
		Get("/api/sessions")); err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if result.Count == 0 {
		fmt.Println("No sessions recorded")
		return nil
	}

	green := color.New(color.FgGreen, color.Bold)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "START\tPATIENT\tMONTHS\tREADINGS\tAVG BPM\tMAX BPM\tDURATION\tSTATUS")
	for _, s := range result.Sessions {
		status := "ended"
		if s.Summary.InProgress {
			status = green.Sprint("recording")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.1f\t%.0f\t%s\t%s\n",
			s.StartTime,
			s.PatientInfo.Name,
			s.PatientInfo.MonthsPregnant,
			s.Summary.ReadingCount,
			s.Summary.AvgBPM,
			s.Summary.MaxBPM,
			time.Duration(s.Summary.DurationSeconds*float64(time.Second)).Round(time.Second),
			status,
		)
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	client, err := apiClient()
	if err != nil {
		return err
	}

	var detail sessionDetail
	if err := checkResponse(client.R().
		SetContext(cmd.Context()).
		SetResult(&detail).
		SetError(&apiError{}).
		Get(sessionPath(args[0]))); err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}

	printSession(&detail)
	return nil
}

func printSession(detail *sessionDetail) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow)

	_, _ = cyan.Printf("Session %s\n", detail.StartTime)
	fmt.Printf("  Patient:   %s (%d months)\n", detail.PatientInfo.Name, detail.PatientInfo.MonthsPregnant)
	if detail.PatientInfo.RecordingDate != "" {
		fmt.Printf("  Recorded:  %s %s\n", detail.PatientInfo.RecordingDate, detail.PatientInfo.RecordingTime)
	}
	if detail.EndTime == "" {
		_, _ = green.Println("  Status:    recording")
	} else {
		fmt.Printf("  Ended:     %s\n", detail.EndTime)
	}
	fmt.Printf("  Readings:  %d\n", detail.Summary.ReadingCount)
	fmt.Printf("  Avg BPM:   %.2f\n", detail.Summary.AvgBPM)
	fmt.Printf("  Max BPM:   %.0f\n", detail.Summary.MaxBPM)

	readings := detail.Readings
	if showReadings > 0 && len(readings) > showReadings {
		_, _ = yellow.Printf("\n  ... %d earlier readings omitted\n", len(readings)-showReadings)
		readings = readings[len(readings)-showReadings:]
	}
	if len(readings) == 0 {
		return
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIMESTAMP\tDEVICE\tBPM")
	for _, r := range readings {
		fmt.Fprintf(w, "  %s\t%s\t%.0f\n", r.Timestamp, r.DeviceID, r.BPM)
	}
	_ = w.Flush()
}

func runSessionsStart(cmd *cobra.Command, args []string) error {
	client, err := apiClient()
	if err != nil {
		return err
	}

	patient := session.PatientInfo{
		Name:           startName,
		MonthsPregnant: startMonths,
	}
	var result struct {
		StartTime string `json:"startTime"`
	}
	if err := checkResponse(client.R().
		SetContext(cmd.Context()).
		SetBody(patient).
		SetResult(&result).
		SetError(&apiError{}).
		Post("/api/sessions")); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	_, _ = color.New(color.FgGreen, color.Bold).Printf("Recording session %s\n", result.StartTime)
	return nil
}

func runSessionsEnd(cmd *cobra.Command, args []string) error {
	client, err := apiClient()
	if err != nil {
		return err
	}

	var detail sessionDetail
	if err := checkResponse(client.R().
		SetContext(cmd.Context()).
		SetResult(&detail).
		SetError(&apiError{}).
		Post("/api/sessions/current/end")); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	showReadings = -1
	printSession(&detail)
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	client, err := apiClient()
	if err != nil {
		return err
	}

	if err := checkResponse(client.R().
		SetContext(cmd.Context()).
		SetError(&apiError{}).
		Delete(sessionPath(args[0]))); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	fmt.Printf("Deleted session %s\n", args[0])
	return nil
}

func runSessionsClear(cmd *cobra.Command, args []string) error {
	if !sessionsYes && !confirm("Delete ALL recorded sessions?") {
		fmt.Println("Aborted")
		return nil
	}

	client, err := apiClient()
	if err != nil {
		return err
	}

	if err := checkResponse(client.R().
		SetContext(cmd.Context()).
		SetError(&apiError{}).
		Delete("/api/sessions")); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}

	_, _ = color.New(color.FgRed, color.Bold).Println("All sessions deleted")
	return nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
