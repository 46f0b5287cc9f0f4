package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Trustflow-Network-Labs/theodore/internal/schedule"
)

var remapSubject string

var remapCmd = &cobra.Command{
	Use:   "remap <data-config>",
	Short: "Show how subjects of a data config are mounted into containers",
	Long: `Show how subjects of a data config are mounted into containers.

Every host path of a subject record is rewritten to a path under a mounted
directory. This prints the rewritten record and the mounts a participant
container would get, without running anything.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read data config: %w", err)
		}
		return printRemap(cmd.OutOrStdout(), data, remapSubject)
	},
}

func printRemap(w io.Writer, data []byte, only string) error {
	subjects, err := schedule.ParseSubjects(data)
	if err != nil {
		return fmt.Errorf("invalid data config: %w", err)
	}

	var shown int
	for _, subject := range subjects {
		identity := schedule.SubjectIdentity(subject)
		if only != "" && identity != only {
			continue
		}
		shown++

		remapped, mapping := schedule.RemapPaths(subject)
		fmt.Fprintf(w, "# %s\n", identity)

		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(remapped); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}

		for _, host := range mapping.Sorted() {
			fmt.Fprintf(w, "# mount %s -> %s (ro)\n", host, mapping[host])
		}
		fmt.Fprintln(w)
	}

	if only != "" && shown == 0 {
		return fmt.Errorf("no subject %s in data config", only)
	}
	return nil
}

func init() {
	remapCmd.Flags().StringVarP(&remapSubject, "subject", "s", "", "only show this subject (site/subject/session)")
	rootCmd.AddCommand(remapCmd)
}
