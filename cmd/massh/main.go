package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/massh/pkg/config"
	"github.com/liliang-cn/massh/pkg/dispatch"
	"github.com/liliang-cn/massh/pkg/logger"
)

var (
	Version = "dev" // Set at build time

	configPath string
	logLevel   string
	noColor    bool
)

// errHostsFailed makes the process exit with status 1 once the report has
// been printed.
var errHostsFailed = errors.New("one or more hosts failed")

func main() {
	rootCmd := &cobra.Command{
		Use:     "massh",
		Short:   "Run commands and copy files on many hosts over SSH",
		Version: Version,
		Long: `massh - Execute commands and transfer files on multiple hosts in parallel

Examples:
  massh -c hosts.toml execute "uptime"
  massh -c hosts.yaml download /var/log/syslog ./logs
  massh -c hosts.json upload ./app.conf /etc/app/app.conf`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "~/.massh/config.toml", "Config file path (.toml, .yaml, .yml or .json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: from config)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(executeCmd())
	rootCmd.AddCommand(downloadCmd())
	rootCmd.AddCommand(uploadCmd())
	rootCmd.AddCommand(hostsCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errHostsFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// getClient loads the config file and applies command line overrides.
func getClient() (*dispatch.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if noColor {
		cfg.Log.NoColor = true
	}
	return dispatch.New(cfg)
}

func newReport() *report {
	return &report{
		w:     os.Stdout,
		color: !noColor && logger.IsTerminal(os.Stdout),
	}
}

func executeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute COMMAND",
		Short: "Execute a command on every host",
		Example: `  massh -c hosts.toml execute "uptime"
  massh -c hosts.toml execute -- systemctl status nginx`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}
			defer client.Close()

			r := newReport()
			for msg := range client.Execute(strings.Join(args, " ")) {
				r.exec(msg)
			}
			return r.finish()
		},
	}
}

func downloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download REMOTE_PATH LOCAL_DIR",
		Short: "Download a file from every host",
		Long: `Download REMOTE_PATH from every host. Each copy is written to
LOCAL_DIR/user@address:port so that hosts never overwrite each other.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}
			defer client.Close()

			r := newReport()
			for msg := range client.Download(args[0], args[1]) {
				r.transfer(msg)
			}
			return r.finish()
		},
	}
}

func uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload LOCAL_PATH REMOTE_PATH",
		Short: "Upload a file to every host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}
			defer client.Close()

			r := newReport()
			for msg := range client.Upload(args[0], args[1]) {
				r.transfer(msg)
			}
			return r.finish()
		},
	}
}

func hostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "List the configured hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}
			defer client.Close()

			cfg := client.Config()
			fmt.Printf("Hosts (%d):\n", client.Len())
			for _, h := range client.Hosts() {
				line := fmt.Sprintf("  - %s (%s)", h.Identity, h.Auth)
				if h.Name != h.Address {
					line += " from " + h.Name
				}
				if h.ResolveErr != nil {
					line += ": " + h.ResolveErr.Error()
				}
				fmt.Println(line)
			}
			fmt.Println()

			threads := "one per host"
			if cfg.Threads > 0 {
				threads = fmt.Sprint(cfg.Threads)
			}
			timeout := "none"
			if cfg.Timeout > 0 {
				timeout = cfg.TimeoutDuration().String()
			}
			fmt.Printf("Threads: %s\n", threads)
			fmt.Printf("Timeout: %s\n", timeout)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of massh",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("massh version %s\n", Version)
		},
	}
}
