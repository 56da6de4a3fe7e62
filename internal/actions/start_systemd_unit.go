package actions

import (
	"context"
	"fmt"

	"github.com/atomikpanda/nix-installer/internal/shell"
)

// StartSystemdUnit enables and starts a systemd unit, linking UnitFile into
// the unit search path first when it is set.
//
// A unit that is already active is recorded as pre-existing and left running
// on revert.
type StartSystemdUnit struct {
	Unit     string `json:"unit"`
	UnitFile string `json:"unit_file,omitempty"`
}

// PlanStartSystemdUnit plans unit. unitFile may be empty.
func PlanStartSystemdUnit(unit, unitFile string) (*StartSystemdUnit, error) {
	return &StartSystemdUnit{Unit: unit, UnitFile: unitFile}, nil
}

func (a *StartSystemdUnit) Kind() Kind { return KindStartSystemdUnit }

func (a *StartSystemdUnit) isAction() {}

func (a *StartSystemdUnit) Describe() []Description {
	var explanation []string
	if a.UnitFile != "" {
		explanation = append(explanation, fmt.Sprintf("Link `%s` into systemd", a.UnitFile))
	}
	explanation = append(explanation, fmt.Sprintf("Run `systemctl enable --now %s`", a.Unit))
	return []Description{NewDescription(fmt.Sprintf("Enable (and start) the systemd unit `%s`", a.Unit), explanation...)}
}

func (a *StartSystemdUnit) Execute(ctx context.Context) (Receipt, error) {
	active, err := shell.Eval(ctx, "systemctl", "is-active", "--quiet", a.Unit)
	if err != nil {
		return nil, fmt.Errorf("check unit %s: %w", a.Unit, err)
	}
	receipt := &StartSystemdUnitReceipt{Unit: a.Unit, UnitFile: a.UnitFile, PreExisting: active}
	if active {
		return receipt, nil
	}

	if a.UnitFile != "" {
		if _, err := shell.Run(ctx, "systemctl", "link", a.UnitFile); err != nil {
			return nil, fmt.Errorf("link unit %s: %w", a.UnitFile, err)
		}
	}
	if _, err := shell.Run(ctx, "systemctl", "enable", "--now", a.Unit); err != nil {
		return nil, fmt.Errorf("enable unit %s: %w", a.Unit, err)
	}
	return receipt, nil
}

// StartSystemdUnitReceipt records whether the unit was already running.
type StartSystemdUnitReceipt struct {
	Unit        string `json:"unit"`
	UnitFile    string `json:"unit_file,omitempty"`
	PreExisting bool   `json:"pre_existing"`
}

func (r *StartSystemdUnitReceipt) Kind() Kind { return KindStartSystemdUnit }

func (r *StartSystemdUnitReceipt) isReceipt() {}

func (r *StartSystemdUnitReceipt) Describe() []Description {
	if r.PreExisting {
		return []Description{NewDescription(
			fmt.Sprintf("Leave the systemd unit `%s` running", r.Unit),
			"It was active before the install",
		)}
	}
	return []Description{NewDescription(
		fmt.Sprintf("Disable (and stop) the systemd unit `%s`", r.Unit),
		fmt.Sprintf("Run `systemctl disable --now %s`", r.Unit),
	)}
}

// Revert disables the unit if it is still active or enabled.
func (r *StartSystemdUnitReceipt) Revert(ctx context.Context) error {
	if r.PreExisting {
		return nil
	}
	active, err := shell.Eval(ctx, "systemctl", "is-active", "--quiet", r.Unit)
	if err != nil {
		return fmt.Errorf("check unit %s: %w", r.Unit, err)
	}
	enabled, err := shell.Eval(ctx, "systemctl", "is-enabled", "--quiet", r.Unit)
	if err != nil {
		return fmt.Errorf("check unit %s: %w", r.Unit, err)
	}
	if !active && !enabled {
		return nil
	}
	if _, err := shell.Run(ctx, "systemctl", "disable", "--now", r.Unit); err != nil {
		return fmt.Errorf("disable unit %s: %w", r.Unit, err)
	}
	if _, err := shell.Run(ctx, "systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("reload systemd: %w", err)
	}
	return nil
}
