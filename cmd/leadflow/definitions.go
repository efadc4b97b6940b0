package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/abhogle/leadops-os-sub001"
	"github.com/abhogle/leadops-os-sub001/internal/definitions"
	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

func newDefinitionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "definitions",
		Aliases: []string{"defs"},
		Short:   "Manage workflow definitions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "apply [file|dir]...",
			Short: "Store definitions as new versions; unchanged ones are skipped",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				return a.withBundle(ctx, func(b *leadflow.Bundle) error {
					defs, err := loadPaths(b.Loader, args, a.cfg.Definitions.Dir)
					if err != nil {
						return err
					}
					return a.applyDefinitions(ctx, b, defs, cmd.OutOrStdout())
				})
			},
		},
		&cobra.Command{
			Use:   "validate [file|dir]...",
			Short: "Check definition documents without storing them",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withBundle(cmd.Context(), func(b *leadflow.Bundle) error {
					defs, err := loadPaths(b.Loader, args, a.cfg.Definitions.Dir)
					if err != nil {
						return err
					}
					for _, d := range defs {
						fmt.Fprintf(cmd.OutOrStdout(), "ok\t%s\t%d nodes\n", d.ID, len(d.Nodes))
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List the latest version of every definition",
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx := cmd.Context()
				return a.withBundle(ctx, func(b *leadflow.Bundle) error {
					defs, err := b.Runtime.ListDefinitions(ctx)
					if err != nil {
						return err
					}
					for _, d := range defs {
						fmt.Fprintf(cmd.OutOrStdout(), "%s\tv%d\tactive=%t\t%s\n", d.ID, d.Version, d.Active, d.Name)
					}
					return nil
				})
			},
		},
		newExportCmd(a),
	)
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var ver int
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Print a stored definition as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withBundle(ctx, func(b *leadflow.Bundle) error {
				def, err := b.Runtime.GetDefinition(ctx, args[0], ver)
				if err != nil {
					return err
				}
				out, err := definitions.EncodeYAML(def)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&ver, "version", 0, "version to export (default: latest active)")
	return cmd
}

func loadPaths(l *definitions.Loader, paths []string, defaultDir string) ([]*api.Definition, error) {
	if len(paths) == 0 {
		paths = []string{defaultDir}
	}
	var out []*api.Definition
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		var defs []*api.Definition
		if info.IsDir() {
			defs, err = l.LoadDir(p)
		} else {
			defs, err = l.LoadFile(p)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, defs...)
	}
	return out, nil
}

// syncDefinitionDir applies the configured definitions directory when it
// exists.
func (a *app) syncDefinitionDir(ctx context.Context, b *leadflow.Bundle) error {
	dir := a.cfg.Definitions.Dir
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		a.logger.Info("definitions_dir_missing", slog.String("dir", dir))
		return nil
	}
	defs, err := b.Loader.LoadDir(dir)
	if err != nil {
		return err
	}
	return a.applyDefinitions(ctx, b, defs, nil)
}

func (a *app) applyDefinitions(ctx context.Context, b *leadflow.Bundle, defs []*api.Definition, report io.Writer) error {
	var errs []error
	for _, def := range defs {
		latest, err := b.Runtime.GetDefinition(ctx, def.ID, 0)
		if err != nil && api.ErrorCode(err) != api.CodeNotFound {
			errs = append(errs, err)
			continue
		}
		if latest != nil && sameGraph(latest, def) {
			if report != nil {
				fmt.Fprintf(report, "unchanged\t%s\tv%d\n", def.ID, latest.Version)
			}
			continue
		}
		saved, err := b.Runtime.SaveDefinition(ctx, def)
		if err != nil {
			errs = append(errs, fmt.Errorf("definition %s: %w", def.ID, err))
			continue
		}
		if report != nil {
			fmt.Fprintf(report, "saved\t%s\tv%d\n", saved.ID, saved.Version)
		}
	}
	return errors.Join(errs...)
}

// sameGraph compares two definitions ignoring version and creation time.
func sameGraph(a, b *api.Definition) bool {
	x, y := a.Clone(), b.Clone()
	x.Version, y.Version = 0, 0
	x.CreatedAt, y.CreatedAt = y.CreatedAt, y.CreatedAt
	ja, errA := json.Marshal(x)
	jb, errB := json.Marshal(y)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
