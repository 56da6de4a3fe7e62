package plan

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/atomikpanda/nix-installer/internal/actions"
)

// Step holds exactly one of a pending Action or the Receipt it produced.
type Step struct {
	Action  actions.Action
	Receipt actions.Receipt

	reverted bool
}

// Done reports whether the step has been applied.
func (s Step) Done() bool { return s.Receipt != nil }

// Kind is the action kind of the step, pending or applied.
func (s Step) Kind() actions.Kind {
	if s.Receipt != nil {
		return s.Receipt.Kind()
	}
	if s.Action != nil {
		return s.Action.Kind()
	}
	return ""
}

func (s Step) title() string {
	var descs []actions.Description
	switch {
	case s.Receipt != nil:
		descs = s.Receipt.Describe()
	case s.Action != nil:
		descs = s.Action.Describe()
	}
	if len(descs) == 0 {
		return string(s.Kind())
	}
	return descs[0].Title
}

// stepJSON is the persisted form: the kind tag plus one payload.
type stepJSON struct {
	Kind    actions.Kind    `json:"kind"`
	Action  json.RawMessage `json:"action,omitempty"`
	Receipt json.RawMessage `json:"receipt,omitempty"`
}

func (s Step) MarshalJSON() ([]byte, error) {
	out := stepJSON{Kind: s.Kind()}
	var err error
	switch {
	case s.Receipt != nil:
		out.Receipt, err = json.Marshal(s.Receipt)
	case s.Action != nil:
		out.Action, err = json.Marshal(s.Action)
	default:
		return nil, errors.New("step has neither action nor receipt")
	}
	if err != nil {
		return nil, fmt.Errorf("marshal %s step: %w", out.Kind, err)
	}
	return json.Marshal(out)
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var in stepJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	hasAction, hasReceipt := len(in.Action) > 0 && string(in.Action) != "null", len(in.Receipt) > 0 && string(in.Receipt) != "null"
	switch {
	case hasAction && hasReceipt:
		return fmt.Errorf("%s step has both an action and a receipt", in.Kind)
	case hasReceipt:
		r, err := actions.NewReceipt(in.Kind)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(in.Receipt, r); err != nil {
			return fmt.Errorf("decode %s receipt: %w", in.Kind, err)
		}
		*s = Step{Receipt: r}
	case hasAction:
		a, err := actions.NewAction(in.Kind)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(in.Action, a); err != nil {
			return fmt.Errorf("decode %s action: %w", in.Kind, err)
		}
		*s = Step{Action: a}
	default:
		return fmt.Errorf("%s step has neither an action nor a receipt", in.Kind)
	}
	return nil
}

// Phase distinguishes install from uninstall events.
type Phase string

const (
	PhaseInstall   Phase = "install"
	PhaseUninstall Phase = "uninstall"
)

// Outcome is what happened to a step.
type Outcome string

const (
	OutcomeStarted   Outcome = "started"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Event describes one step transition.
type Event struct {
	PlanID  string
	Phase   Phase
	Index   int
	Kind    actions.Kind
	Title   string
	Outcome Outcome
	Err     error
}

// Observer receives step events. It must not block.
type Observer func(Event)

func (p *Plan) notify(e Event) {
	e.PlanID = p.ID
	ev := log.Debug()
	if e.Err != nil {
		ev = log.Warn().Err(e.Err)
	}
	ev.Str("phase", string(e.Phase)).
		Int("step", e.Index+1).
		Str("kind", string(e.Kind)).
		Str("title", e.Title).
		Msg(string(e.Outcome))
	if p.Observer != nil {
		p.Observer(e)
	}
}
