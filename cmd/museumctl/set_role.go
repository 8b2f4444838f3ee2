package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"museum-auth/internal/domain"
	"museum-auth/internal/service"
)

var setRoleCmd = &cobra.Command{
	Use:   "set-role",
	Short: "Change the role of an existing account",
	Long: `Change the role of an existing account.

Examples:
  museumctl set-role --id 7 --role admin
  museumctl set-role --id 7 --role standard`,
	RunE: runSetRole,
}

func init() {
	rootCmd.AddCommand(setRoleCmd)

	setRoleCmd.Flags().Int64("id", 0, "user id")
	setRoleCmd.Flags().String("role", "", "role: standard or admin")
	_ = setRoleCmd.MarkFlagRequired("id")
	_ = setRoleCmd.MarkFlagRequired("role")
}

func runSetRole(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetInt64("id")
	roleName, _ := cmd.Flags().GetString("role")

	role, ok := domain.ParseRole(roleName)
	if !ok {
		return fmt.Errorf("unknown role %q", roleName)
	}

	users, db, err := openUsers(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	return assignRole(cmd, users, id, role)
}

func assignRole(cmd *cobra.Command, users service.UserService, id int64, role domain.Role) error {
	if err := users.AssignRole(cmd.Context(), id, role); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "user %d is now %s\n", id, role)
	return nil
}
