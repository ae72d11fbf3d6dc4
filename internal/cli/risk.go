package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/raysh454/vigil/internal/model"
	"github.com/raysh454/vigil/internal/risk"
)

// riskInput is the file read by `vigil risk`. JSON is accepted as well.
type riskInput struct {
	model.OrgProfile `yaml:",inline"`
	Findings         []model.TypeCount `yaml:"findings"`
}

func newRiskCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "risk",
		Short:   "Estimate financial exposure from finding counts without scanning",
		Example: "vigil risk --input counts.yaml --tables risk-tables.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := v.GetString("risk.input")
			if path == "" {
				return errors.New("please provide --input")
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			var in riskInput
			if err := yaml.Unmarshal(raw, &in); err != nil {
				return fmt.Errorf("parse input: %w", err)
			}
			if ind := v.GetString("risk.industry"); ind != "" {
				in.Industry = ind
			}

			tables, err := loadTables(v)
			if err != nil {
				return err
			}
			calc := risk.Calculate(tables, in.Findings, &in.OrgProfile)
			return writeJSONOut(cmd.OutOrStdout(), calc)
		},
	}

	cmd.Flags().String("input", "", "YAML or JSON file with profile and finding counts")
	cmd.Flags().String("tables", "", "Risk tables file (overrides config)")
	cmd.Flags().String("industry", "", "Override the industry from the input file")
	for _, name := range []string{"input", "tables", "industry"} {
		_ = v.BindPFlag("risk."+name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func loadTables(v *viper.Viper) (risk.Tables, error) {
	path := v.GetString("risk.tables")
	if path == "" {
		cfg, err := loadConfig(v)
		if err != nil {
			return risk.Tables{}, err
		}
		path = cfg.RiskTablesFile
	}
	if path == "" {
		return risk.DefaultTables(), nil
	}
	return risk.LoadTablesFile(path)
}
