// portalctl is the operator's command line for portal maintenance jobs
// that do not belong in the web surface: bulk lab membership, record
// dumps, and identity-provider repairs.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/opensciencelab/portal/internal/auth"
	"github.com/opensciencelab/portal/internal/cognito"
	"github.com/opensciencelab/portal/internal/user"
	"github.com/opensciencelab/portal/internal/user/repo"
	"github.com/opensciencelab/portal/pkg/database"
	"github.com/opensciencelab/portal/pkg/utilities"
)

func main() {
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "portalctl",
		Short:         "Operator tooling for the portal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(bulkAddUsersCmd())
	cmd.AddCommand(dumpUsersCmd())
	cmd.AddCommand(resetMFACmd())
	cmd.AddCommand(setTempPasswordCmd())
	return cmd
}

func newUserService(ctx context.Context) (*user.Service, func(), error) {
	lg, err := utilities.InitLogger(utilities.LogConfigFromEnv())
	if err != nil {
		return nil, nil, err
	}
	sugar := lg.Sugar()

	switch backend := os.Getenv("RECORD_STORE"); backend {
	case "", "dynamo":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("aws config: %w", err)
		}
		store := repo.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), repo.DynamoTableFromEnv())
		return user.NewService(store, sugar), func() { _ = lg.Sync() }, nil
	case "postgres":
		sqlDB, err := database.Connect(database.ConfigFromEnv())
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		store := repo.NewPostgresStore(sqlx.NewDb(sqlDB, "postgres"))
		cleanup := func() {
			_ = sqlDB.Close()
			_ = lg.Sync()
		}
		return user.NewService(store, sugar), cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown RECORD_STORE %q", backend)
	}
}

func newAdmin(ctx context.Context) (*cognito.Admin, error) {
	lg, err := utilities.InitLogger(utilities.LogConfigFromEnv())
	if err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return cognito.NewAdmin(
		cip.NewFromConfig(awsCfg),
		cognito.PoolIDFromEnv(),
		os.Getenv("COGNITO_CLIENT_ID"),
		lg.Sugar(),
	), nil
}

func bulkAddUsersCmd() *cobra.Command {
	var (
		domain     string
		lab        string
		jwtCookie  string
		userCookie string
		profiles   string
	)
	cmd := &cobra.Command{
		Use:   "bulk-add-users <username>...",
		Short: "Add a list of users to a lab through a running portal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, flag := range []struct{ name, value string }{
				{"domain", domain}, {"lab-shortname", lab},
				{"portal-jwt", jwtCookie}, {"portal-username", userCookie},
			} {
				if flag.value == "" {
					return fmt.Errorf("values not provided: --%s", flag.name)
				}
			}

			url := fmt.Sprintf("https://%s/portal/access/manage/%s/edituser", domain, lab)
			client := &http.Client{Timeout: 30 * time.Second}
			var labProfiles []string
			if profiles != "" {
				labProfiles = strings.Split(profiles, ",")
			}

			for _, username := range args {
				payload, err := json.Marshal(map[string]any{
					"action":       "add",
					"username":     username,
					"lab_profiles": labProfiles,
				})
				if err != nil {
					return err
				}
				req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(payload))
				if err != nil {
					return err
				}
				req.Header.Set("Content-Type", "application/json")
				req.AddCookie(&http.Cookie{Name: auth.JWTCookie, Value: jwtCookie})
				req.AddCookie(&http.Cookie{Name: auth.UserCookie, Value: userCookie})

				resp, err := client.Do(req)
				if err != nil {
					return fmt.Errorf("add %s: %w", username, err)
				}
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					fmt.Printf("Added %s to %s on %s\n", username, lab, domain)
				} else {
					fmt.Printf("Failed to add user %q (status %d)\n", username, resp.StatusCode)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "domain of the portal deployment")
	cmd.Flags().StringVar(&lab, "lab-shortname", "", "shortname of the lab users will be added to")
	cmd.Flags().StringVar(&jwtCookie, "portal-jwt", "", "active jwt cookie for the portal")
	cmd.Flags().StringVar(&userCookie, "portal-username", "", "active username cookie for the portal")
	cmd.Flags().StringVar(&profiles, "profiles", "", "comma separated lab profiles for each user")
	return cmd
}

func dumpUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-users",
		Short: "Dump all user records as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			users, cleanup, err := newUserService(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			records, err := users.List(cmd.Context())
			if err != nil {
				return err
			}
			out := make([]map[string]any, 0, len(records))
			for _, rec := range records {
				out = append(out, rec.Snapshot())
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func resetMFACmd() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "reset-mfa",
		Short: "Reset a user's MFA by recreating the identity-provider account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("no username specified")
			}
			admin, err := newAdmin(cmd.Context())
			if err != nil {
				return err
			}
			if err := admin.ResetMFA(cmd.Context(), username, ""); err != nil {
				return err
			}
			fmt.Printf("MFA reset for %s\n", username)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "", "username")
	return cmd
}

func setTempPasswordCmd() *cobra.Command {
	var (
		username string
		password string
	)
	cmd := &cobra.Command{
		Use:   "set-temp-password",
		Short: "Set a permanent password on an account stuck with an expired temporary one",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" || password == "" {
				return fmt.Errorf("both --user and --password are required")
			}
			admin, err := newAdmin(cmd.Context())
			if err != nil {
				return err
			}
			if err := admin.SetPassword(cmd.Context(), username, password); err != nil {
				return err
			}
			fmt.Printf("Password updated for %s\n", username)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "", "username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "new permanent password")
	return cmd
}
