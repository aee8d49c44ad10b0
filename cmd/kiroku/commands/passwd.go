package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/Kiroku/internal/auth"
)

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Hash a password for api.auth.users",
	Long: `Passwd reads a password from stdin and prints the argon2id hash to
put into the api.auth.users map of the configuration.`,
	Example: `  kiroku passwd
  echo -n supersecret | kiroku passwd`,
	RunE: runPasswd,
}

func init() {
	rootCmd.AddCommand(passwdCmd)
}

func runPasswd(cmd *cobra.Command, args []string) error {
	if isTerminal(os.Stdin) {
		fmt.Fprint(os.Stderr, "Password: ")
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return fmt.Errorf("empty password")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
