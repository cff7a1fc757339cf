package gen

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate documentation for nsqc",
	Long:  `Generate documentation for nsqc, as man pages or markdown`,

	// The root command loads configuration and a logger, neither of which
	// are needed to write documentation.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
}

func init() {
	RootCmd.AddCommand(ManPagesCmd, MarkdownCmd)
}

// outputDir creates dir if it's missing and returns it with a trailing
// separator.
func outputDir(dir string) (string, error) {
	dir = filepath.Clean(dir) + string(filepath.Separator)

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}

		fmt.Println("Directory", dir, "does not exist, creating...")
		if err := os.MkdirAll(dir, 0750); err != nil {
			return "", err
		}
	}

	return dir, nil
}

func dirFlag(cmd *cobra.Command, target *string, def string) {
	flags := cmd.PersistentFlags()
	flags.StringVar(target, "dir", def, "the directory to write to")

	// For bash-completion
	if err := flags.SetAnnotation("dir", cobra.BashCompSubdirsInDir, []string{}); err != nil {
		panic(err)
	}
}
