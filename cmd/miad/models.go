package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mia/internal/common/fsutil"
	"mia/internal/errkind"
	"mia/internal/registry"
)

func newModelsCmd(rf *rootFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "models", Short: "Inspect the model registry"}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List registry manifests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			idx, err := registry.LoadManifests(rf.root)
			if err != nil {
				return err
			}
			ms := registry.Sorted(idx)
			if asJSON {
				return printJSON(cmd.OutOrStdout(), ms)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tROLE\tCONTEXT\tCAPABILITIES\tPATH")
			for _, m := range ms {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%v\t%s\n", m.ID, m.Role, m.ContextLength, m.Capabilities, m.Path)
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	var skipMissing bool
	verify := &cobra.Command{
		Use:   "verify [id...]",
		Short: "Verify model checksums against their manifests",
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := registry.LoadManifests(rf.root)
			if err != nil {
				return err
			}
			return verifyManifests(cmd.OutOrStdout(), rf.root, idx, args, skipMissing)
		},
	}
	verify.Flags().BoolVar(&skipMissing, "skip-missing", false, "Do not fail on manifests whose file is absent")

	scan := &cobra.Command{
		Use:   "scan [dir]",
		Short: "List *.gguf files that could back a manifest",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else {
				cfg, err := rf.loadConfig()
				if err != nil {
					return err
				}
				if dir, err = fsutil.Resolve(rf.root, cfg.Storage.Paths.Models); err != nil {
					return err
				}
			}
			cands, err := registry.ScanGGUF(dir)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cands)
		},
	}

	cmd.AddCommand(list, verify, scan)
	return cmd
}

// verifyManifests prints one line per manifest and fails if any check did.
func verifyManifests(w io.Writer, root string, idx map[string]registry.Manifest, only []string, skipMissing bool) error {
	want := map[string]bool{}
	for _, id := range only {
		if _, ok := idx[id]; !ok {
			return fmt.Errorf("unknown model id: %s", id)
		}
		want[id] = true
	}
	failed := 0
	for _, m := range registry.Sorted(idx) {
		if len(want) > 0 && !want[m.ID] {
			continue
		}
		err := registry.VerifyChecksum(m, root, false)
		switch {
		case err == nil:
			fmt.Fprintf(w, "ok       %s\n", m.ID)
		case skipMissing && errkind.Is(err, errkind.FileNotFound):
			fmt.Fprintf(w, "missing  %s\n", m.ID)
		default:
			failed++
			fmt.Fprintf(w, "FAIL     %s: %v\n", m.ID, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d manifest(s) failed verification", failed)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
