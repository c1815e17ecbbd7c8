package app

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// ListOptions holds options for the list command.
type ListOptions struct {
	*GlobalOptions
}

// NewListCommand creates the list command, displaying every registered
// device and its flashable status.
func NewListCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &ListOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered devices",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts)
		},
	}

	return cmd
}

func runList(opts *ListOptions) error {
	snap, err := loadSnapshot(opts.GlobalOptions)
	if err != nil {
		return err
	}

	keys := snap.SortedKeys()
	if len(keys) == 0 {
		fmt.Println("No devices registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "KEY\tNAME\tMCU\tFLASH METHOD\tFLASHABLE")
	for _, key := range keys {
		e, _ := snap.Get(key)
		method := e.FlashMethod
		if method == "" {
			method = "(default: " + snap.Global.DefaultFlashMethod + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", e.Key, e.Name, e.MCU, method, e.Flashable)
	}
	return w.Flush()
}
