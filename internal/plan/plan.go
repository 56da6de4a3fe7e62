// Package plan drives an ordered list of actions to completion and back.
//
// A Plan starts as a list of pending actions. Execute applies them in order,
// replacing each with its receipt and persisting the whole plan after every
// step, so a crash after step k leaves a receipt file describing exactly the
// first k steps. Uninstall walks the receipts in reverse.
//
// Cancellation is sampled before each step and never interrupts a step that
// has already started. A failed step halts the plan; nothing is rolled back.
package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/mod/semver"

	"github.com/atomikpanda/nix-installer/internal/actions"
	"github.com/atomikpanda/nix-installer/internal/errs"
	"github.com/atomikpanda/nix-installer/internal/interrupt"
	"github.com/atomikpanda/nix-installer/internal/snapshot"
)

// ReceiptLocation is where an installed plan is kept.
const ReceiptLocation = "/nix/receipt.json"

// Version is written into every receipt. A receipt is only read back by a
// build with the same major version.
const Version = "v1.0.0"

// Status summarises how far a plan got.
type Status string

const (
	StatusBuilt     Status = "built"
	StatusPartial   Status = "partial"
	StatusCompleted Status = "completed"
)

// Plan is an ordered install transaction.
type Plan struct {
	Version   string    `json:"version"`
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Steps     []Step    `json:"steps"`

	// ReceiptPath is where Execute persists progress.
	ReceiptPath string `json:"-"`
	// Observer, when set, is told about every step transition.
	Observer Observer `json:"-"`
}

// New returns a plan of pending steps that persists to ReceiptLocation.
func New(steps ...actions.Action) *Plan {
	p := &Plan{
		Version:     Version,
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		ReceiptPath: ReceiptLocation,
	}
	for _, a := range steps {
		p.Steps = append(p.Steps, Step{Action: a})
	}
	return p
}

// Status reports whether no, some or all steps have been applied.
func (p *Plan) Status() Status {
	done := 0
	for _, s := range p.Steps {
		if s.Done() {
			done++
		}
	}
	switch {
	case done == 0:
		return StatusBuilt
	case done == len(p.Steps):
		return StatusCompleted
	default:
		return StatusPartial
	}
}

// Execute applies every pending step in order.
//
// sig is polled before each step; if it has fired, Execute returns
// errs.ErrCancelled without starting the step. The context is handed to each
// action unchanged.
func (p *Plan) Execute(ctx context.Context, sig *interrupt.Signal) error {
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.Done() {
			continue
		}
		title := step.title()
		if sig.Cancelled() {
			p.notify(Event{Phase: PhaseInstall, Index: i, Kind: step.Kind(), Title: title, Outcome: OutcomeCancelled})
			return errs.ErrCancelled
		}

		p.notify(Event{Phase: PhaseInstall, Index: i, Kind: step.Kind(), Title: title, Outcome: OutcomeStarted})
		receipt, err := step.Action.Execute(ctx)
		if err != nil {
			p.notify(Event{Phase: PhaseInstall, Index: i, Kind: step.Kind(), Title: title, Outcome: OutcomeFailed, Err: err})
			return fmt.Errorf("step %d (%s): %w", i+1, title, err)
		}
		step.Action, step.Receipt = nil, receipt

		if err := p.Save(); err != nil {
			p.notify(Event{Phase: PhaseInstall, Index: i, Kind: step.Kind(), Title: title, Outcome: OutcomeFailed, Err: err})
			return fmt.Errorf("record step %d (%s): %w", i+1, title, err)
		}
		p.notify(Event{Phase: PhaseInstall, Index: i, Kind: step.Kind(), Title: title, Outcome: OutcomeSucceeded})
	}
	return nil
}

// Uninstall reverts every applied step, last to first. Steps that were never
// applied are skipped. The receipt file is not rewritten.
func (p *Plan) Uninstall(ctx context.Context, sig *interrupt.Signal) error {
	for i := len(p.Steps) - 1; i >= 0; i-- {
		step := &p.Steps[i]
		if !step.Done() || step.reverted {
			continue
		}
		title := step.title()
		if sig.Cancelled() {
			p.notify(Event{Phase: PhaseUninstall, Index: i, Kind: step.Kind(), Title: title, Outcome: OutcomeCancelled})
			return errs.ErrCancelled
		}

		p.notify(Event{Phase: PhaseUninstall, Index: i, Kind: step.Kind(), Title: title, Outcome: OutcomeStarted})
		if err := step.Receipt.Revert(ctx); err != nil {
			p.notify(Event{Phase: PhaseUninstall, Index: i, Kind: step.Kind(), Title: title, Outcome: OutcomeFailed, Err: err})
			return fmt.Errorf("revert step %d (%s): %w", i+1, title, err)
		}
		step.reverted = true
		p.notify(Event{Phase: PhaseUninstall, Index: i, Kind: step.Kind(), Title: title, Outcome: OutcomeSucceeded})
	}
	return nil
}

// DescribeInstall lists the pending steps in execution order.
func (p *Plan) DescribeInstall(explain bool) string {
	var descs []actions.Description
	for _, s := range p.Steps {
		if !s.Done() {
			descs = append(descs, s.Action.Describe()...)
		}
	}
	return render(fmt.Sprintf("Nix install plan (%s)", p.Version), descs, explain)
}

// DescribeUninstall lists the applied steps in revert order.
func (p *Plan) DescribeUninstall(explain bool) string {
	var descs []actions.Description
	for i := len(p.Steps) - 1; i >= 0; i-- {
		if s := p.Steps[i]; s.Done() && !s.reverted {
			descs = append(descs, s.Receipt.Describe()...)
		}
	}
	return render(fmt.Sprintf("Nix uninstall plan (%s)", p.Version), descs, explain)
}

func render(header string, descs []actions.Description, explain bool) string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\n")
	if len(descs) == 0 {
		b.WriteString("Nothing to do.\n")
		return b.String()
	}
	if explain {
		b.WriteString("The following actions will be taken:\n\n")
	} else {
		b.WriteString("The following actions will be taken (`--explain` for more context):\n\n")
	}
	for _, d := range descs {
		fmt.Fprintf(&b, "* %s\n", d.Title)
		if !explain {
			continue
		}
		for _, line := range d.Explanation {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	return b.String()
}

// Save writes the plan to ReceiptPath atomically with mode 0600.
func (p *Plan) Save() error {
	if p.ReceiptPath == "" {
		return errors.New("plan has no receipt path")
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	if err := snapshot.WriteAtomic(p.ReceiptPath, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write receipt %s: %w", p.ReceiptPath, err)
	}
	log.Debug().Str("path", p.ReceiptPath).Str("status", string(p.Status())).Msg("Receipt saved")
	return nil
}

// Load reads a plan from path. A receipt written by another major version is
// refused with an expected error.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Reading receipt `%s`: %w", path, err)
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("Reading receipt `%s`: %w", path, err)
	}
	if !semver.IsValid(p.Version) {
		return nil, fmt.Errorf("Reading receipt `%s`: invalid version %q", path, p.Version)
	}
	if semver.Major(p.Version) != semver.Major(Version) {
		return nil, errs.Newf(errs.CodeIncompatibleReceipt,
			"Receipt `%s` was written by nix-installer %s, this is %s; use a matching installer to uninstall",
			path, p.Version, Version)
	}
	p.ReceiptPath = path
	return &p, nil
}

// Exists reports whether a receipt is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
