package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/whadgest/whadgest-backend/internal/app"
	"github.com/whadgest/whadgest-backend/internal/auth"
)

func init() {
	rootCmd.AddCommand(rescanCmd, runOnceCmd, tokenCmd, hashPasswordCmd)

	runOnceCmd.Flags().Int("max", 100, "maximum number of jobs to process")
	tokenCmd.Flags().String("username", "", "operator username (defaults to the configured one)")
}

var rescanCmd = &cobra.Command{
	Use:   "rescan",
	Short: "Enqueue windows that have unprocessed messages but no pending job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			report, err := a.Maintenance.Rescan(ctx)
			if err != nil {
				return fmt.Errorf("rescan: %w", err)
			}
			return printJSON(report)
		})
	},
}

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Process due jobs in the foreground until the queue is drained",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("max")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			processed := 0
			for processed < limit {
				ok, err := a.Pool.RunOnce(ctx)
				if err != nil {
					return fmt.Errorf("run job: %w", err)
				}
				if !ok {
					break
				}
				processed++
			}
			fmt.Printf("Processed %d job(s).\n", processed)
			return printJSON(a.Metrics.Snapshot())
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an operator access token for the admin API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		if username == "" {
			username = cfg.Auth.OperatorUsername
		}
		jwtService := auth.NewJWTService(cfg.Auth.JWTSecret, "whadgest-backend", cfg.Auth.OperatorTokenTTL)
		token, expiresAt, err := jwtService.GenerateOperatorToken(username)
		if err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		fmt.Println(token)
		fmt.Fprintf(os.Stderr, "Expires at %s\n", expiresAt.Format(time.RFC3339))
		return nil
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Print the bcrypt hash for WHADGEST_AUTH_OPERATOR_PASSWORD_HASH",
	Long:  "Print the bcrypt hash of a password. Reads the password from stdin when no argument is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var password string
		if len(args) == 1 {
			password = args[0]
		} else {
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}
		if password == "" {
			return errors.New("password must not be empty")
		}

		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
