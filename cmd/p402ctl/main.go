// Command p402ctl is the operator CLI for a p402 facilitator deployment.
//
// Usage:
//
//	p402ctl keys create --tenant acme --name prod   # Issue an API key
//	p402ctl keys list --tenant acme                 # List a tenant's keys
//	p402ctl keys revoke --tenant acme --id ak_...   # Revoke a key
//	p402ctl cleanup --retention 720h                # Sweep the replay ledger
//	p402ctl unban ip:203.0.113.7                    # Lift a rate limit ban
//	p402ctl health --url http://localhost:8080      # Query a running instance
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	databaseURL string
	redisURL    string

	rootCmd = &cobra.Command{
		Use:           "p402ctl",
		Short:         "p402 facilitator operator CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", os.Getenv("REDIS_URL"), "Redis connection string")

	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(unbanCmd)
	rootCmd.AddCommand(healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
