package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/atomikpanda/nix-installer/internal/ageutil"
	"github.com/atomikpanda/nix-installer/internal/audit"
	"github.com/atomikpanda/nix-installer/internal/color"
	"github.com/atomikpanda/nix-installer/internal/config"
	"github.com/atomikpanda/nix-installer/internal/errs"
	"github.com/atomikpanda/nix-installer/internal/interrupt"
	"github.com/atomikpanda/nix-installer/internal/logging"
	"github.com/atomikpanda/nix-installer/internal/plan"
	"github.com/atomikpanda/nix-installer/internal/privilege"
	"github.com/atomikpanda/nix-installer/internal/runner"
)

// installedSelf is where an install leaves a copy of the installer.
const installedSelf = "/nix/nix-installer"

var (
	settingsFile string
	noConfirm    bool
	explain      bool
	logLevel     string
)

// Replaced in tests.
var (
	getenv     = os.Getenv
	ensureRoot = privilege.EnsureRoot
	relocate   = privilege.Relocate
	newRunner  = func(sig *interrupt.Signal) *runner.Runner {
		return runner.New(noConfirm, explain, sig)
	}
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit code: 0 on
// success or a declined confirmation, 1 on any error.
func run(args []string, stdout, stderr io.Writer) int {
	color.Init()
	sig := interrupt.Notify()
	defer sig.Stop()

	root := buildRoot(sig, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(context.Background()); err != nil {
		report(stdout, err)
		return 1
	}
	return 0
}

// report prints an expected error as a single red message, and anything else
// together with its causes.
func report(w io.Writer, err error) {
	if errs.IsExpected(err) {
		fmt.Fprintln(w, color.Red(err.Error()))
		return
	}
	chain := errs.Chain(err)
	fmt.Fprintf(w, "%s %s\n", color.BoldRed("Error:"), chain[0])
	if len(chain) > 1 {
		fmt.Fprintln(w, color.Dim("\nCaused by:"))
		for i, cause := range chain[1:] {
			fmt.Fprintf(w, "  %d: %s\n", i, cause)
		}
	}
}

func envBool(name string) bool {
	b, _ := strconv.ParseBool(getenv(name))
	return b
}

func auditPath() string {
	if p := getenv(config.EnvPrefix + "AUDIT_LOG"); p != "" {
		return p
	}
	return audit.DefaultPath
}

func buildRoot(sig *interrupt.Signal, logOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "nix-installer",
		Short: "Install and uninstall Nix with a revertible plan",
		Long: `nix-installer applies an ordered plan of steps that installs the Nix
package manager and records a receipt, so every step can be undone later.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.Setup(logOut, logLevel, !color.Enabled)
		},
	}

	root.PersistentFlags().BoolVar(&noConfirm, "no-confirm", envBool(config.EnvPrefix+"NO_CONFIRM"),
		"run without asking for confirmation [env: NIX_INSTALLER_NO_CONFIRM]")
	root.PersistentFlags().BoolVar(&explain, "explain", envBool(config.EnvPrefix+"EXPLAIN"),
		"explain each step of the plan [env: NIX_INSTALLER_EXPLAIN]")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"trace, debug, info, warn, error or off [env: NIX_INSTALLER_LOG]")

	root.AddCommand(
		installCmd(sig),
		uninstallCmd(sig),
		planCmd(sig),
		logCmd(),
		netrcCmd(),
		versionCmd(),
	)
	return root
}

// --- install -----------------------------------------------------------------

func installCmd(sig *interrupt.Signal) *cobra.Command {
	var receipt string

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install Nix",
		Example: `  nix-installer install
  nix-installer install --settings settings.yaml --no-confirm`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureRoot(); err != nil {
				return err
			}
			s, err := config.Load(settingsFile, getenv)
			if err != nil {
				return err
			}
			if receipt != "" {
				s.ReceiptPath = receipt
			}
			audit.Path = s.AuditLog

			r := newRunner(sig)
			r.Out = cmd.OutOrStdout()
			return r.Install(cmd.Context(), s)
		},
	}
	cmd.Flags().StringVar(&settingsFile, "settings", "", "YAML or TOML settings file")
	cmd.Flags().StringVar(&receipt, "receipt", "", "where to record the receipt (default "+plan.ReceiptLocation+")")
	return cmd
}

// --- uninstall ---------------------------------------------------------------

func uninstallCmd(sig *interrupt.Signal) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall [RECEIPT]",
		Short: "Uninstall a Nix installed by nix-installer",
		Example: `  nix-installer uninstall
  nix-installer uninstall /nix/receipt.json --no-confirm`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureRoot(); err != nil {
				return err
			}
			// The copy at installedSelf is deleted by the uninstall itself.
			if err := relocate(installedSelf); err != nil {
				return fmt.Errorf("relocate %s: %w", installedSelf, err)
			}

			receipt := plan.ReceiptLocation
			if len(args) == 1 {
				receipt = args[0]
			}
			audit.Path = auditPath()

			r := newRunner(sig)
			r.Out = cmd.OutOrStdout()
			return r.Uninstall(cmd.Context(), receipt)
		},
	}
}

// --- plan --------------------------------------------------------------------

func planCmd(sig *interrupt.Signal) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the install plan without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(settingsFile, getenv)
			if err != nil {
				return err
			}
			r := newRunner(sig)
			p, err := r.Plan(s)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				data, err := json.MarshalIndent(p, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal plan: %w", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			fmt.Fprint(out, r.Describe(p))
			return nil
		},
	}
	cmd.Flags().StringVar(&settingsFile, "settings", "", "YAML or TOML settings file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the plan as the receipt JSON it would start from")
	return cmd
}

// --- log ---------------------------------------------------------------------

func logCmd() *cobra.Command {
	var planFilter string
	var limit int

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the install and uninstall history",
		Example: `  nix-installer log
  nix-installer log --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			audit.Path = auditPath()
			out := cmd.OutOrStdout()
			entries, err := audit.Read(planFilter, limit)
			if err != nil {
				return fmt.Errorf("read audit log: %w", err)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "(no log entries)")
				return nil
			}

			fmt.Fprintln(out, color.Bold(fmt.Sprintf("%-20s  %-9s  %-4s  %-9s  %s",
				"TIME", "COMMAND", "STEP", "OUTCOME", "TITLE")))
			fmt.Fprintln(out, color.Dim(strings.Repeat("-", 90)))
			for _, e := range entries {
				ts := e.Time.Local().Format(time.DateTime)
				outcome := fmt.Sprintf("%-9s", e.Outcome)
				switch plan.Outcome(e.Outcome) {
				case plan.OutcomeSucceeded:
					outcome = color.Green(outcome)
				case plan.OutcomeFailed:
					outcome = color.BoldRed(outcome)
				case plan.OutcomeCancelled:
					outcome = color.Yellow(outcome)
				}
				fmt.Fprintf(out, "%-20s  %-9s  %-4d  %s  %s\n", ts, e.Command, e.Step, outcome, e.Title)
				if e.Error != "" {
					fmt.Fprintf(out, "%22s%s\n", "", color.Red(e.Error))
				}
			}
			fmt.Fprintf(out, "\nlog: %s\n", audit.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&planFilter, "plan", "", "only show entries of this plan id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries to show")
	return cmd
}

// --- netrc -------------------------------------------------------------------

func netrcCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "netrc",
		Short: "Manage the encrypted netrc placed for private caches",
	}

	var identity string
	encrypt := &cobra.Command{
		Use:   "encrypt <file>",
		Short: "Seal a netrc with age (writes <file>.age)",
		Long: `Checks and seals a netrc for the netrc setting. The key is the X25519 identity
given by --identity or NIX_INSTALLER_AGE_IDENTITY, or the passphrase in
NIX_INSTALLER_AGE_PASSPHRASE.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := args[0]
			dst := ageutil.SealedPath(src)
			if err := ageutil.KeyFromEnv(identity).SealNetrc(src, dst); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sealed %s -> %s\n", src, dst)
			return nil
		},
	}
	encrypt.Flags().StringVar(&identity, "identity", "", "age identity file")

	cmd.AddCommand(encrypt)
	return cmd
}

// --- version -----------------------------------------------------------------

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the receipt format version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nix-installer %s\n", plan.Version)
		},
	}
}
