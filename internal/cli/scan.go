package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/raysh454/vigil/internal/app"
	"github.com/raysh454/vigil/internal/evidence"
	"github.com/raysh454/vigil/internal/model"
	"github.com/raysh454/vigil/internal/registry"
)

// scanOutput is what `vigil scan` prints.
type scanOutput struct {
	Scan     *model.Scan                       `json:"scan"`
	Findings []model.Finding                   `json:"findings"`
	Risk     *model.FinancialImpactCalculation `json:"risk,omitempty"`
}

// addJobFlags registers the flags that describe a scan target under prefix.
func addJobFlags(cmd *cobra.Command, v *viper.Viper, prefix string) {
	cmd.Flags().String("domain", "", "Domain to assess (required)")
	cmd.Flags().String("org", "", "Organization name (defaults to the domain)")
	cmd.Flags().String("scan-id", "", "Reuse an existing scan id to re-run it")
	cmd.Flags().StringSlice("tasks", nil, "Run only these tasks (comma separated)")
	cmd.Flags().String("industry", "", "Organization industry for risk multipliers")
	cmd.Flags().Int("employees", 0, "Organization employee count")
	cmd.Flags().Float64("revenue", 0, "Organization annual revenue in USD")
	for _, name := range []string{"domain", "org", "scan-id", "tasks", "industry", "employees", "revenue"} {
		_ = v.BindPFlag(prefix+"."+name, cmd.Flags().Lookup(name))
	}
}

// jobFromFlags builds a job from the flags added by addJobFlags.
func jobFromFlags(v *viper.Viper, prefix string) (model.Job, error) {
	raw := v.GetString(prefix + ".domain")
	if raw == "" {
		return model.Job{}, errors.New("please provide --domain")
	}
	domain, err := registry.NormalizeDomain(raw)
	if err != nil {
		return model.Job{}, err
	}

	job := model.Job{
		ScanID:           v.GetString(prefix + ".scan-id"),
		OrganizationName: v.GetString(prefix + ".org"),
		Domain:           domain,
	}
	if names := v.GetStringSlice(prefix + ".tasks"); len(names) > 0 {
		job.Options = map[string]string{app.OptionTasks: strings.Join(names, ",")}
	}

	var p model.OrgProfile
	p.Industry = v.GetString(prefix + ".industry")
	if n := v.GetInt(prefix + ".employees"); n > 0 {
		p.EmployeeCount = &n
	}
	if r := v.GetFloat64(prefix + ".revenue"); r > 0 {
		p.AnnualRevenue = &r
	}
	if p.Industry != "" || p.EmployeeCount != nil || p.AnnualRevenue != nil {
		job.Profile = &p
	}
	return job, nil
}

func writeJSONOut(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newScanCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "scan",
		Short:   "Run one scan in-process and print the result as JSON",
		Example: "vigil scan --domain example.com --org Example --industry finance --employees 250",
		RunE: func(cmd *cobra.Command, _ []string) error {
			job, err := jobFromFlags(v, "scan")
			if err != nil {
				return err
			}
			a, err := openApp(cmd, v)
			if err != nil {
				return err
			}
			defer a.Shutdown(context.Background())

			scan, runErr := a.Orch.RunScan(cmd.Context(), job)
			if scan == nil {
				return runErr
			}

			out := scanOutput{Scan: scan}
			ctx := context.WithoutCancel(cmd.Context())
			if out.Findings, err = a.Evidence.ListFindings(ctx, scan.ID, scan.Run); err != nil {
				return err
			}
			if out.Findings == nil {
				out.Findings = []model.Finding{}
			}
			if scan.Status == model.ScanDone {
				calc, err := a.Evidence.GetRiskAssessment(ctx, scan.ID, scan.Run)
				switch {
				case err == nil:
					out.Risk = calc
				case !errors.Is(err, evidence.ErrNotFound):
					return err
				}
			}

			if err := writeJSONOut(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			return runErr
		},
	}
	addJobFlags(cmd, v, "scan")
	return cmd
}

func newEnqueueCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a scan for the worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			job, err := jobFromFlags(v, "enqueue")
			if err != nil {
				return err
			}
			a, err := openApp(cmd, v)
			if err != nil {
				return err
			}
			defer a.Shutdown(context.Background())

			id, scan, err := a.Submit(cmd.Context(), job)
			if err != nil {
				return err
			}
			return writeJSONOut(cmd.OutOrStdout(), map[string]string{"job_id": id, "scan_id": scan.ID})
		},
	}
	addJobFlags(cmd, v, "enqueue")
	return cmd
}
