package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/luma/nsqc/lookup"
)

var NodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List every broker known to the lookupd cluster",
	Long: `List every broker known to the lookupd cluster

The answers of every --lookupd-http-address are merged, so a broker registered
with any one of them is listed.

Usage
	nsqc nodes -l lookupd-1:4161 -l lookupd-2:4161

`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(conf.LookupdAddresses) == 0 {
			return errors.New("at least one --lookupd-http-address is required")
		}

		l, err := lookup.New(conf.LookupdAddresses, lookup.DefaultConfig(), log)
		if err != nil {
			return err
		}

		producers, err := l.Nodes(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ADDRESS\tHOSTNAME\tHTTP PORT\tVERSION\tTOPICS")

		for _, p := range producers {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				p.Address(), p.Hostname, p.HTTPPort, p.Version, strings.Join(p.Topics, ","))
		}

		return w.Flush()
	},
}
