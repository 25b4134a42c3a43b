package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"syncr-go/internal/app"
	"syncr-go/internal/config"
	"syncr-go/internal/syncr"
)

// timeLayout is the format accepted by --start and --end, in local time.
const timeLayout = "2006-01-02 15:04:05"

func main() {
	if err := app.LoadEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
func newApp(cmd *cobra.Command, role app.Role) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	verbose, _ := cmd.Flags().GetBool("verbose")

	a, err := app.NewApp(cfg, role, cmd.Name(), verbose)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pass), nil
}

func parseWindow(cmd *cobra.Command) (time.Time, time.Time, error) {
	startRaw, _ := cmd.Flags().GetString("start")
	endRaw, _ := cmd.Flags().GetString("end")

	start, err := time.ParseInLocation(timeLayout, startRaw, time.Local)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --start (want %q): %w", timeLayout, err)
	}
	end, err := time.ParseInLocation(timeLayout, endRaw, time.Local)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --end (want %q): %w", timeLayout, err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("--end is before --start")
	}
	return start, end, nil
}

var rootCmd = &cobra.Command{
	Use:           "syncr",
	Short:         "Two-node file sync with versioned backups",
	SilenceUsage:  true,
	SilenceErrors: false,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		root, _ := cmd.Flags().GetString("root")
		if root == "" {
			if root, err = os.Getwd(); err != nil {
				return fmt.Errorf("getting current directory: %w", err)
			}
		}
		if root, err = filepath.Abs(root); err != nil {
			return fmt.Errorf("resolving root: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"], root)
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Root:     %s\n", cfg.Root)
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("Root:        %s\n", cfg.Root)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Catalog:     %s %s\n", cfg.Catalog.Type, cfg.Catalog.DataDir)
		fmt.Printf("Backups:     %s (encrypted: %v)\n", cfg.Backup.Type, cfg.Backup.Encrypt)
		fmt.Printf("Server Port: %d\n", cfg.Server.Port)
		fmt.Printf("Push Target: %s:%d\n", cfg.Client.ServerHost, cfg.Client.ServerPort)
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage backup encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the backup encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := app.InitKeys(cfg, pass); err != nil {
			return err
		}
		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s (passphrase protected)\n", cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept pushes from a client",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")

		a, err := newApp(cmd, app.RoleServer)
		if err != nil {
			return err
		}
		defer a.Close()

		ln, err := a.Listen(port)
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd)
		defer stop()

		fmt.Printf("Serving on %s\n", ln.Addr())
		return a.Serve(ctx, ln)
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push local changes to the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("server")
		port, _ := cmd.Flags().GetInt("port")

		a, err := newApp(cmd, app.RoleClient)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext(cmd)
		defer stop()

		start := time.Now()
		s, err := a.Push(ctx, host, port)
		if err != nil {
			return fmt.Errorf("push failed: %w", err)
		}

		fmt.Printf("Scanned %d file(s), %d to transfer\n", s.Scanned, s.Candidates)
		fmt.Printf("Sent %d file(s), %s", s.Sent, humanize.Bytes(uint64(s.BytesSent)))
		if s.Mismatched > 0 {
			fmt.Printf(", %d rejected on hash", s.Mismatched)
		}
		fmt.Printf(" in %s\n", time.Since(start).Truncate(time.Millisecond))
		fmt.Printf("Server clock offset: %+.3fs\n", s.TimeDiff)
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Refresh the local catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")

		a, err := newApp(cmd, app.Role(role))
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Scan()
		if err != nil {
			return err
		}
		fmt.Printf("Cataloged %d file(s)\n", n)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore files backed up within a time window",
	RunE: func(cmd *cobra.Command, args []string) error {
		start, end, err := parseWindow(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd, app.RoleServer)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext(cmd)
		defer stop()

		n, err := a.Restore(ctx, start, end, func() (string, error) {
			return readPassphrase("Backup passphrase: ")
		})
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Printf("Restored %d file(s)\n", n)
		return nil
	},
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List backups taken within a time window",
	RunE: func(cmd *cobra.Command, args []string) error {
		start, end, err := parseWindow(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd, app.RoleServer)
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.ListBackups(start, end)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No backups in window.")
			return nil
		}

		for _, r := range records {
			fmt.Printf("#%-5d  %s  %8s  %s  %s\n",
				r.ID,
				syncr.TimeFromSeconds(r.BackupTime).Local().Format(timeLayout),
				humanize.Bytes(uint64(r.Size)),
				r.ContentHash[:min(len(r.ContentHash), 12)],
				r.OriginalPath,
			)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View server sync sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, app.RoleServer)
		if err != nil {
			return err
		}
		defer a.Close()

		sessions, err := a.History(limit)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sync sessions recorded.")
			return nil
		}

		for _, s := range sessions {
			started := syncr.TimeFromSeconds(s.StartedAt)
			duration := ""
			if s.FinishedAt > 0 {
				duration = syncr.TimeFromSeconds(s.FinishedAt).Sub(started).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %s  %-21s  %-8s  %d/%d  %s  (%s)\n",
				s.ID,
				started.Local().Format(timeLayout),
				s.Peer,
				s.Status,
				s.Received,
				s.Requested,
				duration,
				humanize.Time(started),
			)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug output to the terminal")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("root", "", "Directory to sync (default: current directory)")

	keysCmd.AddCommand(keysInitCmd)

	serveCmd.Flags().IntP("port", "p", 0, "Port to listen on (default: server.port)")
	pushCmd.Flags().StringP("server", "s", "", "Server host (default: client.server_host)")
	pushCmd.Flags().IntP("port", "p", 0, "Server port (default: client.server_port)")
	scanCmd.Flags().String("role", string(app.RoleClient), "Catalog to refresh: client or server")

	for _, c := range []*cobra.Command{restoreCmd, backupsCmd} {
		c.Flags().String("start", "", "Window start, "+timeLayout)
		c.Flags().String("end", "", "Window end, "+timeLayout)
		c.MarkFlagRequired("start")
		c.MarkFlagRequired("end")
	}
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of sessions to show")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(backupsCmd)
	rootCmd.AddCommand(historyCmd)
}
