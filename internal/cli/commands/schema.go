package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conduit-lang/keel/internal/cli/ui"
	"github.com/conduit-lang/keel/internal/orm/driver/sqldriver"
	"github.com/conduit-lang/keel/internal/orm/schema"
)

// NewSchemaCommand creates the schema command
func NewSchemaCommand(flags *globalFlags) *cobra.Command {
	var (
		dirs    []string
		dialect string
	)

	cmd := &cobra.Command{
		Use:   "schema [entity]",
		Short: "Show discovered entity metadata",
		Long: `Load the entity declarations, validate their relations and print the
entities, their relations and the order in which inserts are issued.

With an entity name only that entity is described. With --sql the CREATE TABLE
statements for a SQL dialect are printed instead.`,
		Example: `  # Describe every entity declared in keel.yml's entities_dirs
  keel schema

  # Describe one entity
  keel schema Author

  # Print SQLite DDL for declarations in ./entities
  keel schema --dir entities --sql sqlite3`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(dirs) == 0 {
				cfg, err := flags.loadConfig()
				if err != nil {
					return err
				}
				dirs = cfg.EntitiesDirs
			}

			registry, err := loadRegistry(dirs)
			if err != nil {
				return err
			}

			p := flags.printer(cmd)
			switch {
			case dialect != "":
				return printDDL(cmd, registry, dialect)
			case len(args) == 1:
				return describeEntity(flags, cmd, registry, args[0])
			}

			p.Header(fmt.Sprintf("Entities (%d)", registry.Count()))
			entities := p.Table("ENTITY", "TABLE", "PRIMARY KEY", "STRATEGY", "VERSION")
			for _, meta := range registry.Schemas() {
				entities.AddRow(meta.Name, meta.TableName, meta.PrimaryKey, meta.PKStrategy.String(), meta.VersionField)
			}
			entities.Render()
			fmt.Fprintln(cmd.OutOrStdout())

			p.Header("Relations")
			relations := p.Table("ENTITY", "RELATION", "KIND", "TARGET", "OWNER", "REQUIRED", "CASCADE")
			for _, meta := range registry.Schemas() {
				for _, rel := range meta.Relations {
					relations.AddRow(meta.Name, rel.Name, rel.Kind.String(), rel.Target,
						yesNo(rel.Owner), yesNo(rel.IsRequired()), cascadeString(rel.Cascade))
				}
			}
			relations.Render()
			fmt.Fprintln(cmd.OutOrStdout())

			report := registry.AnalyzeDependencies()
			if report.HasCycles() {
				for _, cycle := range report.Cycles {
					p.Warning("required references form a cycle: %s", strings.Join(cycle, " -> "))
				}
				return nil
			}
			p.Pairs([2]string{"Insert order", strings.Join(report.InsertOrder, " → ")})
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&dirs, "dir", "d", nil, "Entity declaration directory (overrides entities_dirs)")
	cmd.Flags().StringVar(&dialect, "sql", "", "Print CREATE TABLE statements for a dialect (sqlite3, postgres, pgx)")

	return cmd
}

func loadRegistry(dirs []string) (*schema.Registry, error) {
	result, err := schema.LoadDir(dirs...)
	if err != nil {
		return nil, err
	}
	registry := schema.NewRegistry()
	if err := registry.RegisterAll(result.Schemas...); err != nil {
		return nil, err
	}
	if err := registry.ValidateAll(); err != nil {
		return nil, err
	}
	return registry, nil
}

func describeEntity(flags *globalFlags, cmd *cobra.Command, registry *schema.Registry, name string) error {
	p := flags.printer(cmd)

	d, err := registry.Describe(name)
	if err != nil {
		p.Failure(fmt.Sprintf("unknown entity %s", name), suggestEntities(registry, name), "list entities: keel schema")
		return err
	}

	p.Header(d.Name)
	p.Pairs(
		[2]string{"Table", d.Table},
		[2]string{"Primary key", d.PrimaryKeyField},
		[2]string{"Version", orDash(d.VersionField)},
	)
	fmt.Fprintln(cmd.OutOrStdout())

	fields := p.Table("FIELD", "TYPE", "NULLABLE")
	for _, f := range d.Fields {
		fields.AddRow(f.Name, f.Type.String(), yesNo(f.Nullable))
	}
	fields.Render()

	if len(d.Relations) > 0 {
		fmt.Fprintln(cmd.OutOrStdout())
		relations := p.Table("RELATION", "KIND", "TARGET", "OWNER", "REQUIRED", "INVERSE", "CASCADE")
		for _, r := range d.Relations {
			relations.AddRow(r.Name, r.Kind.String(), r.Target, yesNo(r.OwningSide), yesNo(r.Required),
				orDash(r.Inverse), cascadeString(schema.NewCascadeSet(r.Cascade...)))
		}
		relations.Render()
	}
	return nil
}

func printDDL(cmd *cobra.Command, registry *schema.Registry, dialect string) error {
	d, err := sqldriver.LookupDialect(dialect)
	if err != nil {
		return err
	}
	statements, err := d.CreateTableStatements(registry)
	if err != nil {
		return err
	}
	for _, stmt := range statements {
		fmt.Fprintf(cmd.OutOrStdout(), "%s;\n", stmt)
	}
	return nil
}

// suggestEntities returns registered entity names close to name
func suggestEntities(registry *schema.Registry, name string) []string {
	return ui.Suggest(name, registry.List(), 3)
}

func cascadeString(c schema.CascadeSet) string {
	actions := c.Actions()
	if len(actions) == 0 {
		return "-"
	}
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = a.String()
	}
	return strings.Join(names, ",")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
