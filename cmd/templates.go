package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/batchflow/internal/presentation"
	registryapp "github.com/zjrosen/batchflow/internal/registry/application"
	registry "github.com/zjrosen/batchflow/internal/registry/domain"
)

// newServicesFn is swapped by tests to inject a fake step executor.
var newServicesFn = func(ctx context.Context) (*services, error) {
	return newServices(ctx, cfg, nil)
}

// withServices builds the services for one command and closes them after
// fn returns.
func withServices(cmd *cobra.Command, fn func(ctx context.Context, s *services) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := newServicesFn(ctx)
	if err != nil {
		return err
	}
	runErr := fn(ctx, s)

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

var templatesCmd = &cobra.Command{
	Use:     "templates",
	Aliases: []string{"template", "tpl"},
	Short:   "List, validate and register workflow templates",
}

var (
	listCategory string
	listOwner    string
	listSource   string
	listLabel    string
)

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered templates as JSON",
	Long: `List built-in and custom templates as JSON, in registration order.

Examples:
  batchflow templates list
  batchflow templates list --category enhance
  batchflow templates list --source custom --owner alice
  batchflow templates list | jq '.[].id'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		source := registry.Source(listSource)
		switch source {
		case "", registry.SourceBuiltin, registry.SourceCustom:
		default:
			return fmt.Errorf("unknown source %q (want builtin or custom)", listSource)
		}
		return withServices(cmd, func(_ context.Context, s *services) error {
			found := s.registry.List(registryapp.ListQuery{
				Category: listCategory,
				Owner:    listOwner,
				Source:   source,
				Label:    listLabel,
			})
			dtos := make([]presentation.TemplateDTO, 0, len(found))
			for _, t := range found {
				dtos = append(dtos, presentation.FromTemplate(t))
			}
			return presentation.NewFormatter(cmd.OutOrStdout()).FormatTemplates(dtos)
		})
	},
}

var templatesShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one template as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(_ context.Context, s *services) error {
			t, err := s.registry.Get(args[0])
			if err != nil {
				return err
			}
			return presentation.NewFormatter(cmd.OutOrStdout()).
				FormatTemplates([]presentation.TemplateDTO{presentation.FromTemplate(t)})
		})
	},
}

var templatesValidateCmd = &cobra.Command{
	Use:   "validate FILE...",
	Short: "Check template files without registering them",
	Long: `Parse and validate every template in the given YAML files against the
operation catalog. Prints one result per template and exits non-zero when
any template is invalid.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		results := validateFiles(args, registry.DefaultCatalog())
		if err := presentation.NewFormatter(cmd.OutOrStdout()).FormatValidation(results); err != nil {
			return err
		}
		invalid := 0
		for _, r := range results {
			if !r.Valid {
				invalid++
			}
		}
		if invalid > 0 {
			return &exitError{code: 1, err: fmt.Errorf("%d of %d templates invalid", invalid, len(results))}
		}
		return nil
	},
}

// validateFiles validates every template in files. A file that cannot be
// read or parsed yields one invalid result.
func validateFiles(files []string, catalog *registry.Catalog) []presentation.ValidationDTO {
	var results []presentation.ValidationDTO
	for _, file := range files {
		defs, err := readTemplateFile(file)
		if err != nil {
			results = append(results, presentation.ValidationDTO{File: file, Error: err.Error()})
			continue
		}
		for _, def := range defs {
			r := presentation.ValidationDTO{File: file, ID: def.ID(), Valid: true}
			if _, err := registry.FromDef(def, catalog); err != nil {
				r.Valid = false
				r.Error = err.Error()
			}
			results = append(results, r)
		}
	}
	return results
}

func readTemplateFile(path string) ([]registry.TemplateDef, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is a user-supplied template file
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	defs, err := registryapp.ParseTemplateFile(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return defs, nil
}

var registerOwner string

var templatesRegisterCmd = &cobra.Command{
	Use:   "register FILE",
	Short: "Register custom templates and persist them to the store",
	Long: `Register every template in FILE under --owner (default: registry.owner
from the config). Templates are validated against the operation catalog
and saved to the SQLite store, so later runs can use them by id.

Example:
  batchflow templates register shots.yaml --owner alice
  batchflow batch run --template alice/product-shots@v1 --inputs inputs.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner := registerOwner
		if owner == "" {
			owner = cfg.Registry.Owner
		}
		defs, err := readTemplateFile(args[0])
		if err != nil {
			return err
		}
		return withServices(cmd, func(ctx context.Context, s *services) error {
			if s.db == nil {
				return ErrStoreDisabled
			}
			dtos := make([]presentation.TemplateDTO, 0, len(defs))
			for _, def := range defs {
				t, err := s.registry.RegisterCustom(ctx, owner, def)
				if err != nil {
					return fmt.Errorf("registering %s: %w", def.Key, err)
				}
				dtos = append(dtos, presentation.FromTemplate(t))
			}
			return presentation.NewFormatter(cmd.OutOrStdout()).FormatTemplates(dtos)
		})
	},
}

func init() {
	templatesListCmd.Flags().StringVar(&listCategory, "category", "", "Filter by category (e.g. enhance)")
	templatesListCmd.Flags().StringVar(&listOwner, "owner", "", "Filter by owner")
	templatesListCmd.Flags().StringVar(&listSource, "source", "", "Filter by source: builtin or custom")
	templatesListCmd.Flags().StringVarP(&listLabel, "label", "l", "", "Filter by label")

	templatesRegisterCmd.Flags().StringVarP(&registerOwner, "owner", "o", "", "Owner namespace (default: registry.owner)")

	templatesCmd.AddCommand(templatesListCmd, templatesShowCmd, templatesValidateCmd, templatesRegisterCmd)
	rootCmd.AddCommand(templatesCmd)
}
