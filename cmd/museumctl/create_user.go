package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"museum-auth/internal/domain"
)

var createUserCmd = &cobra.Command{
	Use:   "create-user",
	Short: "Create an account with an explicit role",
	Long: `Create an account directly in the credential store.

The password is read from the terminal without echo unless --password-stdin
is given, in which case the first line of stdin is used.

Examples:
  museumctl create-user --email curator@museum.org --username curator --role admin
  echo "$PW" | museumctl create-user --email a@b.org --username alice --password-stdin`,
	RunE: runCreateUser,
}

func init() {
	rootCmd.AddCommand(createUserCmd)

	createUserCmd.Flags().String("email", "", "account email")
	createUserCmd.Flags().String("username", "", "login name")
	createUserCmd.Flags().String("role", "standard", "role: standard or admin")
	createUserCmd.Flags().Bool("password-stdin", false, "read the password from stdin")
	_ = createUserCmd.MarkFlagRequired("email")
	_ = createUserCmd.MarkFlagRequired("username")
}

func runCreateUser(cmd *cobra.Command, args []string) error {
	email, _ := cmd.Flags().GetString("email")
	username, _ := cmd.Flags().GetString("username")
	roleName, _ := cmd.Flags().GetString("role")
	fromStdin, _ := cmd.Flags().GetBool("password-stdin")

	role, ok := domain.ParseRole(roleName)
	if !ok {
		return fmt.Errorf("unknown role %q", roleName)
	}

	password, err := readPassword(cmd, fromStdin)
	if err != nil {
		return err
	}

	users, db, err := openUsers(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	user, err := users.CreateUser(cmd.Context(), email, username, password, role)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created user %d (%s, %s)\n", user.ID, user.Username, user.Role)
	return nil
}

func readPassword(cmd *cobra.Command, fromStdin bool) (string, error) {
	if fromStdin {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read password: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return "", fmt.Errorf("read password: empty input")
		}
		return line, nil
	}

	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(raw), nil
}
