package cmd

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"
	"syscall"

	"github.com/attachebot/attache/attache"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin credentials",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable ATTACHE_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable ATTACHE_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		// Run database migrations and seed the singleton rows
		db, err := attache.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		var adminCount int64
		if err = db.Model(&attache.Admin{}).Count(&adminCount).Error; err != nil {
			log.Fatalf("Error counting admins: %v", err)
		}

		out := cmd.OutOrStdout()
		if adminCount == 0 {
			fmt.Fprintln(out, "No admin account exists. Let's set one up.")

			reader := bufio.NewReader(os.Stdin)

			fmt.Fprint(out, "Enter admin email: ")
			email, _ := reader.ReadString('\n')
			email = strings.TrimSpace(email)

			var password string

			if customPasswordReader == nil {
				customPasswordReader = func() ([]byte, error) {
					return term.ReadPassword(int(syscall.Stdin))
				}
			}
			for {
				fmt.Fprint(out, "Enter admin password: ")
				passwordBytes, _ := customPasswordReader()
				password = string(passwordBytes)
				fmt.Fprintln(out)

				fmt.Fprint(out, "Confirm admin password: ")
				confirmPasswordBytes, _ := customPasswordReader()
				confirmPassword := string(confirmPasswordBytes)
				fmt.Fprintln(out)

				if password == confirmPassword {
					break
				}
				fmt.Fprintln(out, "Passwords do not match. Please try again.")
			}

			hashedPassword, hashErr := attache.HashPassword(password)
			if hashErr != nil {
				log.Fatalf("Error hashing password: %v", hashErr)
			}

			admin := attache.Admin{Email: email, Password: hashedPassword}
			if err = db.Create(&admin).Error; err != nil {
				log.Fatalf("Error creating admin account: %v", err)
			}

			fmt.Fprintln(out, "Admin account created successfully.")
		} else {
			fmt.Fprintln(out, "An admin account already exists.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the server with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
