package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/atomikpanda/nix-installer/internal/audit"
	"github.com/atomikpanda/nix-installer/internal/color"
	"github.com/atomikpanda/nix-installer/internal/config"
	"github.com/atomikpanda/nix-installer/internal/interaction"
	"github.com/atomikpanda/nix-installer/internal/interrupt"
	"github.com/atomikpanda/nix-installer/internal/plan"
	"github.com/atomikpanda/nix-installer/internal/planner"
)

// DeclinedMessage is printed when the user answers "no".
const DeclinedMessage = "Okay, didn't do anything! Bye!"

// Runner drives the install and uninstall flows on one host.
type Runner struct {
	Host      planner.Host
	NoConfirm bool
	Explain   bool
	Prompter  interaction.Prompter
	Signal    *interrupt.Signal
	Out       io.Writer
}

// New creates a Runner for the current host.
func New(noConfirm, explain bool, sig *interrupt.Signal) *Runner {
	return &Runner{
		Host:      planner.CurrentHost(),
		NoConfirm: noConfirm,
		Explain:   explain,
		Prompter:  interaction.Default(),
		Signal:    sig,
		Out:       os.Stdout,
	}
}

// Plan builds the install plan without running it.
func (r *Runner) Plan(s *config.Settings) (*plan.Plan, error) {
	return planner.Build(s, r.Host)
}

// Describe renders the pending steps of p.
func (r *Runner) Describe(p *plan.Plan) string {
	return p.DescribeInstall(r.Explain)
}

// Install builds a plan from s, confirms it and applies it. A receipt that
// already exists is an expected error.
func (r *Runner) Install(ctx context.Context, s *config.Settings) error {
	p, err := r.Plan(s)
	if err != nil {
		return err
	}

	ok, err := r.confirm(ctx, p.DescribeInstall(r.Explain), "Proceed with installing Nix?")
	if err != nil || !ok {
		return err
	}

	p.Observer = audit.Observer(r.progress)
	if err := p.Execute(ctx, r.Signal); err != nil {
		if p.Status() != plan.StatusBuilt {
			fmt.Fprintln(r.Out, color.Yellow(fmt.Sprintf(
				"Some steps were applied; `nix-installer uninstall %s` reverts them.", p.ReceiptPath)))
		}
		return err
	}

	fmt.Fprintln(r.Out, color.BoldGreen("Nix was installed successfully!"))
	fmt.Fprintf(r.Out, "To get started using Nix, open a new shell or run `. %s`\n", planner.DaemonProfile)
	return nil
}

// Uninstall reverts the plan recorded in the receipt at receiptPath and
// removes the receipt once every step is reverted.
func (r *Runner) Uninstall(ctx context.Context, receiptPath string) error {
	p, err := plan.Load(receiptPath)
	if err != nil {
		return err
	}

	ok, err := r.confirm(ctx, p.DescribeUninstall(r.Explain), "Proceed with uninstalling Nix?")
	if err != nil || !ok {
		return err
	}

	p.Observer = audit.Observer(r.progress)
	if err := p.Uninstall(ctx, r.Signal); err != nil {
		return err
	}

	// Reverting /nix usually takes the receipt with it.
	if err := os.Remove(receiptPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove receipt %s: %w", receiptPath, err)
	}
	fmt.Fprintln(r.Out, color.BoldGreen("Nix was uninstalled successfully!"))
	return nil
}

// confirm prints description and asks question unless confirmation is
// disabled. A "no" prints DeclinedMessage and reports false with no error.
func (r *Runner) confirm(ctx context.Context, description, question string) (bool, error) {
	if r.NoConfirm {
		return true, nil
	}
	fmt.Fprintln(r.Out, description)
	ok, err := r.Prompter.Confirm(ctx, question)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Debug().Msg("Confirmation declined")
		fmt.Fprintln(r.Out, DeclinedMessage)
	}
	return ok, nil
}

func (r *Runner) progress(ev plan.Event) {
	switch ev.Outcome {
	case plan.OutcomeStarted:
		fmt.Fprintf(r.Out, "  -> %s\n", ev.Title)
	case plan.OutcomeFailed:
		fmt.Fprintf(r.Out, "  %s %s\n", color.Red("failed:"), ev.Title)
	}
}
