package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"chart-exec-sandbox/internal/config"
	"chart-exec-sandbox/internal/sandbox"
)

var (
	serverURL   string
	apiKey      string
	profile     string
	timeoutSec  int
	maxRetries  int
	autoInstall bool
	packages    []string
	inputFile   string
	saveAs      string
	chartHint   string

	configPath string
	uploadsDir string
	keepScopes []string
	force      bool

	runsLimit   int
	runsProfile string
	runsStatus  string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chartctl",
		Short: "CLI client for chart-exec-sandbox",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("CHART_API_KEY"), "API key")

	// Execute command
	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Run chart code (reads stdin when no argument is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	addExecFlags(execCmd)
	root.AddCommand(execCmd)

	// Execute from file
	execFileCmd := &cobra.Command{
		Use:   "exec-file [file.py]",
		Short: "Run chart code from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	addExecFlags(execFileCmd)
	root.AddCommand(execFileCmd)

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	// Run history
	runsCmd := &cobra.Command{
		Use:   "runs [run_id]",
		Short: "List recent chart runs or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRuns,
	}
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to list")
	runsCmd.Flags().StringVar(&runsProfile, "profile", "", "Filter by execution profile")
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "Filter by status")
	root.AddCommand(runsCmd)

	// Local environment GC
	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Run a chart environment GC pass on a local uploads directory",
		RunE:  runGC,
	}
	gcCmd.Flags().StringVar(&configPath, "config", "", "Config file (defaults when empty)")
	gcCmd.Flags().StringVar(&uploadsDir, "uploads", "", "Uploads directory (overrides config)")
	gcCmd.Flags().StringSliceVar(&keepScopes, "keep", nil, "Environment scopes that must survive")
	gcCmd.Flags().BoolVar(&force, "force", true, "Ignore the enabled flag and interval throttle")
	root.AddCommand(gcCmd)

	return root
}

func addExecFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&profile, "profile", "p", "trusted", "Execution profile (template, trusted, sandboxed)")
	cmd.Flags().IntVar(&timeoutSec, "timeout", sandbox.DefaultTimeoutSec, "Per-attempt timeout in seconds")
	cmd.Flags().IntVar(&maxRetries, "retries", sandbox.DefaultMaxRetries, "Maximum attempts")
	cmd.Flags().BoolVar(&autoInstall, "auto-install", false, "Install missing modules and retry")
	cmd.Flags().StringSliceVar(&packages, "package", nil, "Package to install before running (repeatable)")
	cmd.Flags().StringVar(&inputFile, "input", "", "JSON file passed to the code as input_data")
	cmd.Flags().StringVar(&saveAs, "save-as", "", "Main image file name")
	cmd.Flags().StringVar(&chartHint, "hint", "", "Free-text label for logs")
}

func runExec(cmd *cobra.Command, args []string) error {
	var code string

	if len(args) > 0 {
		code = args[0]
	} else {
		// Read from stdin
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}

	return executeChart(cmd, code)
}

func runExecFile(cmd *cobra.Command, args []string) error {
	if ext := filepath.Ext(args[0]); ext != ".py" {
		return fmt.Errorf("expected a .py file, got %q", ext)
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	return executeChart(cmd, string(data))
}

func buildRequest(code string) (*sandbox.ExecutionRequest, error) {
	req := &sandbox.ExecutionRequest{
		PythonCode:       code,
		ExecutionProfile: profile,
		TimeoutSec:       timeoutSec,
		MaxRetries:       maxRetries,
		AutoInstall:      autoInstall,
		Packages:         packages,
		SaveAs:           saveAs,
		ChartHint:        chartHint,
	}
	if inputFile != "" {
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		var input any
		if err := json.Unmarshal(data, &input); err != nil {
			return nil, fmt.Errorf("input file is not JSON: %w", err)
		}
		req.InputData = input
	}
	return req, nil
}

func executeChart(cmd *cobra.Command, code string) error {
	payload, err := buildRequest(code)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+"/chart/exec", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req)

	// Retries, pip installs and venv creation all fit inside one request.
	client := &http.Client{Timeout: 20 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	printJSON(cmd.OutOrStdout(), result)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if ok, _ := result["ok"].(bool); !ok {
		return fmt.Errorf("chart run %v did not produce an image", result["run_id"])
	}
	return nil
}

func runHealth(cmd *cobra.Command, _ []string) error {
	return getJSON(cmd, serverURL+"/health", 10*time.Second)
}

func runRuns(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		return getJSON(cmd, serverURL+"/chart-runs/"+url.PathEscape(args[0]), 10*time.Second)
	}
	q := url.Values{}
	q.Set("limit", fmt.Sprint(runsLimit))
	if runsProfile != "" {
		q.Set("profile", runsProfile)
	}
	if runsStatus != "" {
		q.Set("status", runsStatus)
	}
	return getJSON(cmd, serverURL+"/chart-runs?"+q.Encode(), 10*time.Second)
}

func runGC(cmd *cobra.Command, _ []string) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.ApplyEnv(os.LookupEnv)
	if uploadsDir != "" {
		cfg.Chart.UploadsDir = uploadsDir
	}

	rt, err := sandbox.NewRuntime(sandbox.OptionsFromConfig(cfg))
	if err != nil {
		return err
	}

	var report *sandbox.PruneReport
	if force {
		report = rt.ForcePruneEnvs(keepScopes, time.Now())
	} else {
		report = rt.MaybePruneEnvs(keepScopes, time.Now())
	}
	printJSON(cmd.OutOrStdout(), report)
	return nil
}

func getJSON(cmd *cobra.Command, target string, timeout time.Duration) error {
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	setAuth(req)

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	printJSON(cmd.OutOrStdout(), result)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func setAuth(req *http.Request) {
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
}

func printJSON(w io.Writer, v any) {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(formatted))
}
