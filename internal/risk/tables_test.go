package risk

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/vigil/internal/model"
)

const overrideYAML = `
factors:
  exposed-database:
    category: data-exposure
    base_impact: 200000
    likelihood: 0.5
    remediation_days: 10
    citation: internal claims data
  leaked-credential:
    category: credential-exposure
    base_impact: 50000
    likelihood: 0.9
    citation: internal claims data
industries:
  Gaming:
    multiplier: 1.25
    citation: analyst estimate
aliases:
  esports: gaming
size_thresholds:
  small_employees: 10
  mid_employees: 500
  small_revenue: 1000000
  mid_revenue: 100000000
`

func TestLoadTables_OverlaysDefaults(t *testing.T) {
	t.Parallel()

	tables, err := LoadTables(strings.NewReader(overrideYAML))
	require.NoError(t, err)

	f, ok := tables.Factor(model.ArtifactExposedDatabase)
	require.True(t, ok)
	assert.Equal(t, 200000.0, f.BaseImpact)

	_, ok = tables.Factor("leaked-credential")
	assert.True(t, ok)
	_, ok = tables.Factor(model.ArtifactWeakTLS)
	assert.True(t, ok, "defaults not named in the file survive")

	name, m := tables.Industry("eSports")
	assert.Equal(t, "gaming", name)
	assert.Equal(t, 1.25, m.Value)

	employees := 20
	assert.Equal(t, SizeMidMarket, tables.SizeCategory(&model.OrgProfile{EmployeeCount: &employees}))
}

func TestLoadTables_DoesNotLeakIntoDefaults(t *testing.T) {
	t.Parallel()

	_, err := LoadTables(strings.NewReader(overrideYAML))
	require.NoError(t, err)

	f, _ := DefaultTables().Factor(model.ArtifactExposedDatabase)
	assert.Equal(t, 180000.0, f.BaseImpact)
}

func TestLoadTables_Empty(t *testing.T) {
	t.Parallel()

	tables, err := LoadTables(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultTables().FactorTypes(), tables.FactorTypes())
}

func TestLoadTables_Rejects(t *testing.T) {
	t.Parallel()

	bad := map[string]string{
		"likelihood above one": "factors:\n  x:\n    likelihood: 1.5\n",
		"zero multiplier":      "industries:\n  x:\n    multiplier: 0\n",
		"unknown size":         "sizes:\n  huge:\n    multiplier: 2\n",
		"unknown key":          "factorz: {}\n",
		"bad thresholds":       "size_thresholds:\n  small_employees: 100\n  mid_employees: 50\n  small_revenue: 1\n  mid_revenue: 2\n",
	}
	for name, doc := range bad {
		_, err := LoadTables(strings.NewReader(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadTablesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "risk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(overrideYAML), 0o644))

	tables, err := LoadTablesFile(path)
	require.NoError(t, err)
	_, ok := tables.Factor("leaked-credential")
	assert.True(t, ok)

	_, err = LoadTablesFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
