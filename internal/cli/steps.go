package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

// NewStepsCmd создаёт команду вывода реестра шагов.
func NewStepsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "steps",
		Short: "List cascade steps in execution order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			list, err := client.Steps(cmd.Context())
			if err != nil {
				return err
			}

			headers := []string{"ORDER", "ID", "SCRIPT_KEY", "NAME"}
			rows := make([][]string, len(list))
			for i, s := range list {
				rows[i] = []string{strconv.Itoa(s.Order), s.ID, s.ScriptKey, s.Name}
			}

			out.Print(headers, rows, list)
			return nil
		},
	}
}
