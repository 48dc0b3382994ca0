package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewTenantCmd создаёт группу команд для тенантов.
func NewTenantCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	cmd.AddCommand(
		newTenantCreateCmd(clientFn, outputFn),
		newTenantResetCmd(clientFn, outputFn),
	)

	return cmd
}

func newTenantCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "create ID",
		Short: "Create a tenant with every step pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			tenant, err := client.CreateTenant(cmd.Context(), args[0], name)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Tenant created: %s", tenant.ID))
			out.Result(tenant)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name (defaults to ID)")

	return cmd
}

func newTenantResetCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset ID",
		Short: "Clear every step flag so the cascade starts over",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("reset discards cascade progress for %s; pass --yes to confirm", args[0])
			}

			client := clientFn()
			out := outputFn()

			status, err := client.Reset(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Cascade reset: %s", args[0]))
			out.Result(status)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the reset")

	return cmd
}
