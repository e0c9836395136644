package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/storyloom/internal/persist"
	"github.com/user/storyloom/internal/types"
)

func init() {
	rootCmd.AddCommand(slotCmd)
	slotCmd.AddCommand(slotListCmd, slotExportCmd, slotImportCmd, slotDeleteCmd)
}

var slotCmd = &cobra.Command{
	Use:   "slot",
	Short: "Manage saved windows",
}

func withSlots(fn func(ctx context.Context, s *persist.Store) error) error {
	cfg := loadConfig()
	ctx := context.Background()
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	s, err := persist.Open(ctx, slotsPath(cfg))
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

var slotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved windows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSlots(func(ctx context.Context, s *persist.Store) error {
			list, err := s.List(ctx)
			if err != nil {
				return fmt.Errorf("list slots: %w", err)
			}
			if len(list) == 0 {
				fmt.Println("No saved windows.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WINDOW\tMODEL\tSNAPSHOTS\tUPDATED")
			for _, info := range list {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					info.Window,
					info.Model,
					info.Snapshots,
					info.UpdatedAt.Format("2006-01-02 15:04:05"),
				)
			}
			return w.Flush()
		})
	},
}

var slotExportCmd = &cobra.Command{
	Use:   "export <window> <file>",
	Short: "Export a saved window to a JSON file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSlots(func(ctx context.Context, s *persist.Store) error {
			slot, err := s.Load(ctx, types.WindowID(args[0]))
			if err != nil {
				return fmt.Errorf("load %s: %w", args[0], err)
			}
			if err := persist.ExportFile(args[1], slot); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Exported %s to %s.\n", args[0], args[1])
			return nil
		})
	},
}

var slotImportCmd = &cobra.Command{
	Use:   "import <file> [window]",
	Short: "Import a window from a JSON file, optionally under a new id",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		slot, err := persist.ImportFile(args[0])
		if err != nil {
			return err
		}
		if len(args) == 2 {
			slot.Window = types.WindowID(args[1])
		}
		if slot.Window == "" {
			return errors.New("import: file has no window id, pass one as the second argument")
		}
		return withSlots(func(ctx context.Context, s *persist.Store) error {
			if err := s.Save(ctx, slot); err != nil {
				return fmt.Errorf("save %s: %w", slot.Window, err)
			}
			fmt.Fprintf(os.Stdout, "Imported %s.\n", slot.Window)
			return nil
		})
	},
}

var slotDeleteCmd = &cobra.Command{
	Use:   "delete <window>",
	Short: "Delete a saved window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSlots(func(ctx context.Context, s *persist.Store) error {
			if err := s.Delete(ctx, types.WindowID(args[0])); err != nil {
				if errors.Is(err, persist.ErrSlotNotFound) {
					return fmt.Errorf("window not found: %s", args[0])
				}
				return err
			}
			fmt.Fprintf(os.Stdout, "Window %s deleted.\n", args[0])
			return nil
		})
	},
}
