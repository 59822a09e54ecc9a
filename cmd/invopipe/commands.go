package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/averki/invopipe/internal/config"
	"github.com/averki/invopipe/internal/export"
	"github.com/averki/invopipe/internal/invoice"
	"github.com/averki/invopipe/internal/pipeline"
)

func newLocalParser(cfg config.Config) *pipeline.Parser {
	return pipeline.NewParser(pipeline.Options{
		BandHeight:   cfg.Parse.BandHeight,
		Tolerance:    cfg.Parse.Tolerance,
		ParseTimeout: durationOr(cfg.Parse.Timeout, pipeline.DefaultParseTimeout, "parse.timeout"),
		BatchWorkers: cfg.Parse.BatchWorkers,
	})
}

func readBatch(paths []string) ([]pipeline.BatchInput, error) {
	inputs := make([]pipeline.BatchInput, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		inputs = append(inputs, pipeline.BatchInput{FileName: filepath.Base(p), Data: data})
	}
	return inputs, nil
}

// --- parse ---

var parseCmd = &cobra.Command{
	Use:   "parse <file.pdf> [more.pdf ...]",
	Short: "Parse invoice PDFs and print the extracted records as JSON",
	Long: `Parse invoice PDFs locally, without a running server.

Examples:
  invopipe parse invoice.pdf
  invopipe parse *.pdf`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		inputs, err := readBatch(args)
		if err != nil {
			return err
		}

		results := newLocalParser(cfg).ParseBatch(cmd.Context(), inputs)

		records := make([]*invoice.Record, 0, len(results))
		failed := 0
		for _, res := range results {
			if res.Err != nil {
				printError("%s: %v", res.FileName, res.Err)
				failed++
				continue
			}
			records = append(records, res.Record)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			return err
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d documents failed", failed, len(results))
		}
		return nil
	},
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export <file.pdf> [more.pdf ...]",
	Short: "Parse invoice PDFs and write an xlsx workbook",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		inputs, err := readBatch(args)
		if err != nil {
			return err
		}

		results := newLocalParser(cfg).ParseBatch(cmd.Context(), inputs)

		records := make([]*invoice.Record, 0, len(results))
		for _, res := range results {
			if res.Err != nil {
				printError("%s: %v", res.FileName, res.Err)
				continue
			}
			records = append(records, res.Record)
		}
		if len(records) == 0 {
			return fmt.Errorf("no documents parsed")
		}

		data, err := export.NewRenderer().Render(records)
		if err != nil {
			return fmt.Errorf("rendering workbook: %w", err)
		}
		if err := os.WriteFile(output, data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", output, err)
		}

		printSuccess("Exported %d invoice(s) to %s", len(records), output)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("output", "invoices.xlsx", "output xlsx path")
}

// --- invoices ---

var invoicesCmd = &cobra.Command{
	Use:   "invoices",
	Short: "Inspect and correct invoices on a running server",
}

var invoicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List invoices in the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/invoices")
		if err != nil {
			return err
		}

		var list struct {
			Invoices []struct {
				ID       string `json:"id"`
				FileName string `json:"file_name"`
				ParsedAt string `json:"parsed_timestamp"`
			} `json:"invoices"`
		}
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		if len(list.Invoices) == 0 {
			fmt.Println("No invoices in session.")
			return nil
		}
		for _, inv := range list.Invoices {
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, inv.ID[:8]),
				inv.ParsedAt,
				inv.FileName,
			)
		}
		return nil
	},
}

var invoicesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single invoice as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/invoices/"+args[0])
		if err != nil {
			return err
		}

		var rec any
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

var invoicesSetCmd = &cobra.Command{
	Use:   "set <id> <field> <value>",
	Short: "Apply a manual correction to one field",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, field, value := args[0], args[1], args[2]

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.patch(cmd.Context(), "/invoices/"+id+"/fields/"+field, map[string]string{"value": value})
		if err != nil {
			return err
		}

		var rec any
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}

		printSuccess("Set %s = %s", field, value)
		return nil
	},
}

var invoicesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove an invoice from the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/invoices/"+args[0])
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}

		printSuccess("Deleted invoice %s", args[0])
		return nil
	},
}

var invoicesAnalyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Summarize spend across the session's invoices",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/invoices/analytics")
		if err != nil {
			return err
		}

		var a struct {
			TotalInvoices int     `json:"total_invoices_processed"`
			TotalSpend    float64 `json:"total_spend"`
			Shipping      float64 `json:"shipping_costs"`
			Discount      float64 `json:"average_discount_rate"`
			SavedHours    float64 `json:"time_saved_hours"`
			Savings       float64 `json:"cost_savings"`
			ByVendor      []struct {
				Vendor   string  `json:"vendor"`
				Total    float64 `json:"total"`
				Invoices int     `json:"invoices"`
			} `json:"spend_by_vendor"`
		}
		if err := decodeJSON(resp, &a); err != nil {
			return err
		}

		printStatus("Invoices", "%d", a.TotalInvoices)
		printStatus("Total spend", "%.2f", a.TotalSpend)
		printStatus("Shipping", "%.2f", a.Shipping)
		if a.Discount > 0 {
			printStatus("Avg discount", "%.1f%%", a.Discount)
		}
		printStatus("Time saved", "%.1fh (%.2f at $30/h)", a.SavedHours, a.Savings)
		for _, vs := range a.ByVendor {
			printStatus(vs.Vendor, "%.2f across %d invoice(s)", vs.Total, vs.Invoices)
		}
		return nil
	},
}

var invoicesWebhookCmd = &cobra.Command{
	Use:   "webhook <id> <url>",
	Short: "Queue delivery of an invoice to a webhook URL",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/invoices/"+args[0]+"/webhook", map[string]string{"url": args[1]})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued webhook delivery, job %s", result["job_id"])
		printStep("Poll it with: invopipe jobs show %s", result["job_id"])
		return nil
	},
}

func init() {
	invoicesCmd.AddCommand(invoicesListCmd)
	invoicesCmd.AddCommand(invoicesShowCmd)
	invoicesCmd.AddCommand(invoicesSetCmd)
	invoicesCmd.AddCommand(invoicesDeleteCmd)
	invoicesCmd.AddCommand(invoicesWebhookCmd)
	invoicesCmd.AddCommand(invoicesAnalyticsCmd)
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and cancel delivery jobs",
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a delivery job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/jobs/"+args[0])
		if err != nil {
			return err
		}

		var job struct {
			ID        string `json:"id"`
			Kind      string `json:"kind"`
			Status    string `json:"status"`
			Attempts  int    `json:"attempts"`
			Max       int    `json:"max_attempts"`
			RunAfter  string `json:"run_after"`
			LastError string `json:"last_error"`
		}
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		printStatus("Job", "%s (%s)", job.ID, job.Kind)
		printStatus("Status", "%s", job.Status)
		printStatus("Attempts", "%d/%d", job.Attempts, job.Max)
		if job.RunAfter != "" {
			printStatus("Next attempt", "%s", job.RunAfter)
		}
		if job.LastError != "" {
			printStatus("Last error", "%s", job.LastError)
		}
		return nil
	},
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <id>",
	Short: "Poll a job until it settles",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		for {
			resp, err := client.get(cmd.Context(), "/jobs/"+args[0])
			if err != nil {
				return err
			}
			var job struct {
				Status    string `json:"status"`
				Attempts  int    `json:"attempts"`
				LastError string `json:"last_error"`
			}
			if err := decodeJSON(resp, &job); err != nil {
				return err
			}

			switch job.Status {
			case "succeeded":
				printSuccess("Job %s succeeded after %d attempt(s)", args[0], job.Attempts)
				return nil
			case "failed":
				printError("Job %s failed after %d attempt(s): %s", args[0], job.Attempts, job.LastError)
				return fmt.Errorf("job failed")
			case "cancelled", "superseded":
				printWarning("Job %s is %s", args[0], job.Status)
				return nil
			}

			printStep("Job %s is %s (attempt %d)", args[0], job.Status, job.Attempts)
			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-time.After(interval):
			}
		}
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued or in-flight delivery job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/jobs/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Cancellation requested for job %s", args[0])
		return nil
	},
}

func init() {
	jobsWatchCmd.Flags().Duration("interval", 2*time.Second, "poll interval")
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsWatchCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
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

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
