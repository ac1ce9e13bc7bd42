package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/corpus/internal/label"
	"github.com/sells-group/corpus/internal/model"
)

var migrateSeedPath string

// seedFile is the YAML shape accepted by --seed. Clearances bootstrap the
// admin surface, which is otherwise unreachable on a fresh database.
type seedFile struct {
	Clearances []struct {
		AuthorID     string   `yaml:"author_id"`
		OrgID        string   `yaml:"org_id"`
		Level        string   `yaml:"level"`
		Compartments []string `yaml:"compartments"`
	} `yaml:"clearances"`
}

func parseSeedFile(path string) ([]model.Clearance, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read seed file %s", path)
	}

	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrapf(err, "parse seed file %s", path)
	}

	out := make([]model.Clearance, 0, len(f.Clearances))
	for i, c := range f.Clearances {
		if c.AuthorID == "" {
			return nil, eris.Errorf("seed clearance %d: author_id required", i)
		}
		grant := label.Clearance{
			Level:        label.Level(c.Level),
			Compartments: c.Compartments,
		}.Normalize()
		if !grant.Level.Valid() {
			return nil, eris.Errorf("seed clearance %d: unknown level %q", i, c.Level)
		}
		out = append(out, model.Clearance{
			AuthorID: c.AuthorID,
			OrgID:    c.OrgID,
			Grant:    grant,
		})
	}
	return out, nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}
		zap.L().Info("schema migrated", zap.String("driver", cfg.Store.Driver))

		if migrateSeedPath == "" {
			return nil
		}
		grants, err := parseSeedFile(migrateSeedPath)
		if err != nil {
			return err
		}
		for _, c := range grants {
			if err := st.UpsertClearance(ctx, c); err != nil {
				return err
			}
		}
		zap.L().Info("clearances seeded", zap.Int("count", len(grants)))

		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateSeedPath, "seed", "", "YAML file of clearance grants to upsert after migration")
	rootCmd.AddCommand(migrateCmd)
}
