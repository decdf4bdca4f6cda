package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"wagate/internal/config"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your WAGate installation",
		Long: `Verifies that WAGate's configuration, transport credentials, providers
and database are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("WAGate Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				failed++
				fmt.Printf("\nRun 'wagate init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
			} else {
				printPass("Config validation", "valid")
				passed++
			}

			if cfg == nil {
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return nil
			}

			// 3. Database writable
			if err := checkDatabase(cfg.General.DBPath); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", cfg.General.DBPath)
				passed++
			}

			// 4. Transport credentials
			switch cfg.Transport.Default {
			case "cloudapi":
				api := cfg.Transport.CloudAPI
				if api.AccessToken == "" || api.PhoneNumberID == "" {
					printFail("Cloud API", "accessToken and phoneNumberId are required")
					failed++
				} else {
					printPass("Cloud API", "credentials configured")
					passed++
				}
				if api.AppSecret == "" {
					printWarn("Cloud API", "appSecret unset, webhook signatures will not be verified")
					warned++
				}
			case "browsersession":
				if cfg.Transport.Browser.ProfileDir == "" {
					printWarn("Browser session", "profileDir unset, pairing will not survive restarts")
					warned++
				} else {
					printPass("Browser session", cfg.Transport.Browser.ProfileDir)
					passed++
				}
			}

			// 5. Providers
			providerCount := 0
			for name, p := range map[string]config.ProviderConfig{
				"openai":   cfg.Providers.OpenAI,
				"deepseek": cfg.Providers.DeepSeek,
			} {
				if !p.Enabled {
					continue
				}
				providerCount++
				if p.APIKey == "" && p.APIBase == "" {
					printWarn("Provider: "+name, "enabled but no API key/base configured")
					warned++
				} else {
					printPass("Provider: "+name, "configured")
					passed++
				}
			}
			if providerCount == 0 {
				printWarn("Providers", "none enabled, auto-reply will always fall back")
				warned++
			}

			// 6. Admin API port
			if cfg.Server.Enabled {
				if err := checkPort(cfg.Server.Port); err != nil {
					printWarn("API port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
					warned++
				} else {
					printPass("API port", fmt.Sprintf(":%d available", cfg.Server.Port))
					passed++
				}
				if cfg.Server.APIKey == "" && cfg.Server.Host != "127.0.0.1" && cfg.Server.Host != "localhost" {
					printWarn("API auth", "no apiKey set on a non-local host")
					warned++
				}
			}

			// 7. Upload directory writable
			if cfg.Knowledge.UploadDir != "" {
				if err := os.MkdirAll(cfg.Knowledge.UploadDir, 0o755); err != nil {
					printFail("Upload directory", err.Error())
					failed++
				} else {
					printPass("Upload directory", cfg.Knowledge.UploadDir)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running WAGate.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nWAGate should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! WAGate is ready to run.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
