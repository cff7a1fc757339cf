package gen

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"

	"github.com/luma/nsqc/internal/meta"
)

var (
	manDir     string
	manSection string
)

var ManPagesCmd = &cobra.Command{
	Use:   "man",
	Short: "Generate man pages for nsqc",
	Long: `Writes one man page per nsqc command, by default into the "man"
directory under the current directory.`,
	Args: cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := outputDir(manDir)
		if err != nil {
			return err
		}

		header := &doc.GenManHeader{
			Section: manSection,
			Manual:  "nsqc Manual",
			Source:  fmt.Sprintf("nsqc %s", meta.UserAgentVersion()),
		}

		cmd.Root().DisableAutoGenTag = true

		fmt.Println("Generating man pages in", dir, "...")
		if err := doc.GenManTree(cmd.Root(), header, dir); err != nil {
			return err
		}

		fmt.Println("Done.")
		return nil
	},
}

var (
	markdownDir string
)

var MarkdownCmd = &cobra.Command{
	Use:   "markdown",
	Short: "Generate markdown reference docs for nsqc",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := outputDir(markdownDir)
		if err != nil {
			return err
		}

		cmd.Root().DisableAutoGenTag = true

		fmt.Println("Generating markdown in", dir, "...")
		return doc.GenMarkdownTree(cmd.Root(), dir)
	},
}

func init() {
	dirFlag(ManPagesCmd, &manDir, "man/")
	ManPagesCmd.Flags().StringVar(&manSection, "section", "1", "the man section to file the pages under")

	dirFlag(MarkdownCmd, &markdownDir, "docs/")
}
