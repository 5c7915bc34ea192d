package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/kalambet/flint/internal/config"
	"github.com/kalambet/flint/internal/plan"
)

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate an e-invoice document",
	Long: `Validate an e-invoice document against an execution plan.

The file may be UBL or CII XML, JSON, or a Factur-X PDF; binary documents
are submitted base64-encoded. Without --plan or --plan-file the server's
default plan runs.

Examples:
  flint validate invoice.xml
  flint validate invoice.pdf --correlation-id batch-7
  flint validate invoice.xml --plan strict-eu
  flint validate invoice.xml --format cii,facturx`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		planID, _ := cmd.Flags().GetString("plan")
		planFile, _ := cmd.Flags().GetString("plan-file")
		format, _ := cmd.Flags().GetString("format")
		correlationID, _ := cmd.Flags().GetString("correlation-id")
		jsonOut, _ := cmd.Flags().GetBool("json")

		if planID != "" && planFile != "" {
			return fmt.Errorf("--plan and --plan-file are mutually exclusive")
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading document: %w", err)
		}

		req := documentPayload(data)
		if planID != "" {
			req["planId"] = planID
		}
		if planFile != "" {
			p, err := plan.Load(planFile)
			if err != nil {
				return err
			}
			req["plan"] = p
		}
		if correlationID != "" {
			req["correlationId"] = correlationID
		}
		if format != "" {
			formats := strings.Split(format, ",")
			for i := range formats {
				formats[i] = strings.TrimSpace(formats[i])
			}
			req["overrides"] = map[string]any{
				"format-detection": map[string]any{"allowedFormats": formats},
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/validations", req)
		if err != nil {
			return err
		}

		if jsonOut {
			var result any
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}

		var result struct {
			Report struct {
				RunID       string     `json:"runId"`
				PlanID      string     `json:"planId"`
				Status      string     `json:"status"`
				Score       int        `json:"score"`
				RunState    string     `json:"runState"`
				AbortReason string     `json:"abortReason"`
				DurationMs  int64      `json:"durationMs"`
				Steps       []stepLine `json:"steps"`
			} `json:"report"`
			Fingerprint struct {
				ID          string `json:"id"`
				Fingerprint string `json:"fingerprint"`
			} `json:"fingerprint"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		r := result.Report
		switch r.Status {
		case "APPROVED":
			printSuccess("%s approved (score %d)", args[0], r.Score)
		case "APPROVED_WITH_WARNINGS":
			printWarning("%s approved with warnings (score %d)", args[0], r.Score)
		default:
			printError("%s %s (score %d)", args[0], strings.ToLower(r.Status), r.Score)
		}

		printStatus("Attestation", "%s", result.Fingerprint.ID)
		printStatus("Plan", "%s", r.PlanID)
		printStatus("Steps", "%s", stepSummary(r.Steps))
		if r.AbortReason != "" {
			printStatus("Aborted", "%s", r.AbortReason)
		}
		printStatus("Duration", "%dms", r.DurationMs)

		if r.Status != "APPROVED" && r.Status != "APPROVED_WITH_WARNINGS" {
			return fmt.Errorf("document not approved (status %s)", r.Status)
		}
		return nil
	},
}

// documentPayload picks the wire field for the document: UTF-8 text goes in
// verbatim, anything else (Factur-X PDFs) is base64-encoded.
func documentPayload(data []byte) map[string]any {
	if utf8.Valid(data) {
		return map[string]any{"document": string(data)}
	}
	return map[string]any{"documentBase64": base64.StdEncoding.EncodeToString(data)}
}

type stepLine struct {
	FilterID string `json:"filterId"`
	Status   string `json:"status"`
}

// stepSummary folds step results into a line like "2 passed, 1 failed".
func stepSummary(steps []stepLine) string {
	if len(steps) == 0 {
		return "none"
	}
	counts := make(map[string]int)
	for _, s := range steps {
		counts[s.Status]++
	}
	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	parts := make([]string, 0, len(statuses))
	for _, status := range statuses {
		parts = append(parts, fmt.Sprintf("%d %s", counts[status], status))
	}
	return strings.Join(parts, ", ")
}

func init() {
	validateCmd.Flags().String("plan", "", "registered plan ID to validate against")
	validateCmd.Flags().String("plan-file", "", "plan file (YAML or JSON) to run inline")
	validateCmd.Flags().String("format", "", "comma-separated formats to accept (ubl, cii, facturx, json)")
	validateCmd.Flags().String("correlation-id", "", "caller correlation ID recorded in the report")
	validateCmd.Flags().Bool("json", false, "print the full report and fingerprint as JSON")
}

// --- attestations ---

var attestationsCmd = &cobra.Command{
	Use:   "attestations",
	Short: "Inspect stored compliance attestations",
}

var attestationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent attestations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/attestations?limit=%d", limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var attestations []struct {
			ID        string `json:"id"`
			PlanID    string `json:"planId"`
			Status    string `json:"status"`
			Score     int    `json:"score"`
			CreatedAt string `json:"createdAt"`
		}
		if err := decodeJSON(resp, &attestations); err != nil {
			return err
		}

		if len(attestations) == 0 {
			fmt.Println("No attestations found.")
			return nil
		}

		for _, a := range attestations {
			fmt.Printf("%s  %s  %-22s  %3d  %s\n",
				colorize(colorCyan, a.ID),
				a.CreatedAt,
				a.Status,
				a.Score,
				a.PlanID,
			)
		}
		return nil
	},
}

var attestationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single attestation with its full report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/attestations/"+args[0])
		if err != nil {
			return err
		}

		var attestation any
		if err := decodeJSON(resp, &attestation); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(attestation)
	},
}

var attestationsSnapshotCmd = &cobra.Command{
	Use:   "snapshot <id>",
	Short: "Show the plan snapshot recorded for an attestation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/attestations/"+args[0]+"/snapshot")
		if err != nil {
			return err
		}

		var snapshot any
		if err := decodeJSON(resp, &snapshot); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snapshot)
	},
}

func init() {
	attestationsListCmd.Flags().Int("limit", 20, "maximum number of attestations to list")
	attestationsCmd.AddCommand(attestationsListCmd)
	attestationsCmd.AddCommand(attestationsShowCmd)
	attestationsCmd.AddCommand(attestationsSnapshotCmd)
}

// --- verify ---

var verifyCmd = &cobra.Command{
	Use:   "verify <attestation-id>",
	Short: "Verify that an attestation's report is untampered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/attestations/"+args[0]+"/verify", nil)
		if err != nil {
			return err
		}

		var result struct {
			AttestationID string `json:"attestationId"`
			Valid         bool   `json:"valid"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if !result.Valid {
			printError("Attestation %s FAILED verification", result.AttestationID)
			return fmt.Errorf("fingerprint mismatch for %s", result.AttestationID)
		}
		printSuccess("Attestation %s verified: report matches its fingerprint", result.AttestationID)
		return nil
	},
}

// --- plans ---

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Manage registered execution plans",
}

var plansListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/plans")
		if err != nil {
			return err
		}

		var plans []struct {
			ID         string `json:"id"`
			Version    string `json:"version"`
			ConfigHash string `json:"configHash"`
			UpdatedAt  string `json:"updatedAt"`
		}
		if err := decodeJSON(resp, &plans); err != nil {
			return err
		}

		if len(plans) == 0 {
			fmt.Println("No plans registered.")
			return nil
		}

		for _, p := range plans {
			fmt.Printf("%s@%s  %s  %s\n",
				colorize(colorCyan, p.ID),
				p.Version,
				p.ConfigHash,
				p.UpdatedAt,
			)
		}
		return nil
	},
}

var plansShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a registered plan definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/plans/"+args[0])
		if err != nil {
			return err
		}

		var p any
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}

var plansRegisterCmd = &cobra.Command{
	Use:   "register <file>",
	Short: "Register an execution plan from a YAML or JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := plan.Load(args[0])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/plans", p)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Registered plan %s@%s", result["id"], result["version"])
		printStatus("Config hash", "%s", result["configHash"])
		return nil
	},
}

func init() {
	plansCmd.AddCommand(plansListCmd)
	plansCmd.AddCommand(plansShowCmd)
	plansCmd.AddCommand(plansRegisterCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List valid configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.ValidKeys() {
			fmt.Println(k)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
}
