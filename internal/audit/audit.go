// Package audit keeps an append-only JSONL history of every install and
// uninstall step.
package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/atomikpanda/nix-installer/internal/plan"
)

// DefaultPath is where the history lives unless Path is changed.
const DefaultPath = "/var/log/nix-installer/history.log"

// Path is the audit log file. Commands may point it elsewhere.
var Path = DefaultPath

// Entry records a single step outcome.
type Entry struct {
	Time    time.Time `json:"time"`
	Command string    `json:"command"` // "install" | "uninstall"
	PlanID  string    `json:"plan_id"`
	Step    int       `json:"step"`
	Kind    string    `json:"kind"`
	Title   string    `json:"title"`
	Outcome string    `json:"outcome"` // "succeeded" | "failed" | "cancelled"
	Error   string    `json:"error,omitempty"`
}

// Log appends e to the audit log. Errors are silently ignored so that logging
// never halts an install or uninstall.
func Log(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if err := os.MkdirAll(filepath.Dir(Path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	line, _ := json.Marshal(e)
	f.WriteString(string(line) + "\n")
}

// Observer returns a plan observer that logs every finished step.
// Step starts are not recorded.
func Observer(next plan.Observer) plan.Observer {
	return func(ev plan.Event) {
		if ev.Outcome != plan.OutcomeStarted {
			e := Entry{
				Command: string(ev.Phase),
				PlanID:  ev.PlanID,
				Step:    ev.Index + 1,
				Kind:    string(ev.Kind),
				Title:   ev.Title,
				Outcome: string(ev.Outcome),
			}
			if ev.Err != nil {
				e.Error = ev.Err.Error()
			}
			Log(e)
		}
		if next != nil {
			next(ev)
		}
	}
}

// Read loads log entries, optionally filtered by plan id.
// It returns the last limit entries (all if limit <= 0).
func Read(planFilter string, limit int) ([]Entry, error) {
	f, err := os.Open(Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // skip malformed lines
		}
		if planFilter != "" && e.PlanID != planFilter {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
