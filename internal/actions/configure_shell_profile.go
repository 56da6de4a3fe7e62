package actions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/atomikpanda/nix-installer/internal/errs"
	"github.com/atomikpanda/nix-installer/internal/snapshot"
	"github.com/atomikpanda/nix-installer/internal/template"
)

const (
	profileBlockBegin = "# Nix"
	profileBlockEnd   = "# End Nix"
	profileSnippet    = `if [ -e {{ shquote .profile }} ]; then
  . {{ shquote .profile }}
fi`
)

// ConfigureShellProfile makes login shells source the Nix daemon profile.
//
// Each existing rc file gets a marked block appended to it. When Script is
// set, a standalone profile.d script holding the same block is created too.
type ConfigureShellProfile struct {
	DaemonProfile string   `json:"daemon_profile"`
	RCFiles       []string `json:"rc_files"`
	Script        string   `json:"script,omitempty"`
	Block         string   `json:"block"`
}

// PlanConfigureShellProfile keeps the candidates that exist on this host and
// renders the block that sources daemonProfile. scriptDir may be empty.
func PlanConfigureShellProfile(candidates []string, scriptDir, daemonProfile string) (*ConfigureShellProfile, error) {
	block, err := template.MarkedBlock(profileBlockBegin, profileBlockEnd, profileSnippet,
		map[string]any{"profile": daemonProfile})
	if err != nil {
		return nil, fmt.Errorf("render shell profile block: %w", err)
	}
	a := &ConfigureShellProfile{DaemonProfile: daemonProfile, Block: block}
	for _, rc := range candidates {
		if fileExists(rc) {
			a.RCFiles = append(a.RCFiles, rc)
		}
	}
	if scriptDir != "" {
		a.Script = filepath.Join(scriptDir, "nix.sh")
		if prev, err := snapshot.Capture(a.Script); err != nil {
			return nil, err
		} else if prev.Existed && !prev.Matches([]byte(block)) {
			return nil, errs.Newf(errs.CodeConflict,
				"Profile script `%s` already exists with different contents", a.Script)
		}
	}
	return a, nil
}

func (a *ConfigureShellProfile) Kind() Kind { return KindConfigureShellProfile }

func (a *ConfigureShellProfile) isAction() {}

func (a *ConfigureShellProfile) Describe() []Description {
	var explanation []string
	for _, rc := range a.RCFiles {
		explanation = append(explanation, fmt.Sprintf("Update `%s`", rc))
	}
	if a.Script != "" {
		explanation = append(explanation, fmt.Sprintf("Create `%s`", a.Script))
	}
	return []Description{NewDescription(
		"Configure the shell profiles",
		append([]string{fmt.Sprintf("Source `%s` from login shells", a.DaemonProfile)}, explanation...)...,
	)}
}

func (a *ConfigureShellProfile) Execute(ctx context.Context) (Receipt, error) {
	receipt := &ConfigureShellProfileReceipt{Block: a.Block}

	for _, rc := range a.RCFiles {
		edited, addedNewline, err := appendBlock(rc, a.Block)
		if err != nil {
			return nil, a.abort(ctx, receipt, err)
		}
		if edited {
			receipt.Files = append(receipt.Files, ProfileEdit{Path: rc, AddedNewline: addedNewline})
		}
	}

	if a.Script != "" {
		prev, err := snapshot.Capture(a.Script)
		if err != nil {
			return nil, a.abort(ctx, receipt, err)
		}
		if !prev.Existed {
			if err := os.MkdirAll(filepath.Dir(a.Script), 0o755); err != nil {
				return nil, a.abort(ctx, receipt, fmt.Errorf("create %s: %w", filepath.Dir(a.Script), err))
			}
			if err := snapshot.WriteAtomic(a.Script, []byte(a.Block), 0o644); err != nil {
				return nil, a.abort(ctx, receipt, fmt.Errorf("write %s: %w", a.Script, err))
			}
			receipt.Files = append(receipt.Files, ProfileEdit{Path: a.Script, Created: true})
		} else if !prev.Matches([]byte(a.Block)) {
			return nil, a.abort(ctx, receipt, errs.Newf(errs.CodeConflict,
				"Profile script `%s` already exists with different contents", a.Script))
		}
	}
	return receipt, nil
}

// abort undoes the edits made so far by a failed Execute.
func (a *ConfigureShellProfile) abort(ctx context.Context, partial *ConfigureShellProfileReceipt, err error) error {
	if undoErr := partial.Revert(ctx); undoErr != nil {
		log.Warn().Err(undoErr).Msg("Could not undo partial shell profile changes")
	}
	return err
}

// appendBlock appends block to path unless it is already there. It reports
// whether the file was edited and whether a missing final newline was added.
func appendBlock(path, block string) (edited, addedNewline bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, false, fmt.Errorf("stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, false, fmt.Errorf("read %s: %w", path, err)
	}
	contents := string(data)
	if strings.Contains(contents, block) {
		return false, false, nil
	}
	if contents != "" && !strings.HasSuffix(contents, "\n") {
		contents += "\n"
		addedNewline = true
	}
	contents += "\n" + block
	if err := snapshot.WriteAtomic(path, []byte(contents), info.Mode().Perm()); err != nil {
		return false, false, fmt.Errorf("update %s: %w", path, err)
	}
	return true, addedNewline, nil
}

// ProfileEdit is one file touched by ConfigureShellProfile.
type ProfileEdit struct {
	Path    string `json:"path"`
	Created bool   `json:"created,omitempty"`
	// AddedNewline is set when the file lacked a final newline before the
	// block was appended.
	AddedNewline bool `json:"added_newline,omitempty"`
}

// ConfigureShellProfileReceipt lists every edited or created file.
type ConfigureShellProfileReceipt struct {
	Block string        `json:"block"`
	Files []ProfileEdit `json:"files"`
}

func (r *ConfigureShellProfileReceipt) Kind() Kind { return KindConfigureShellProfile }

func (r *ConfigureShellProfileReceipt) isReceipt() {}

func (r *ConfigureShellProfileReceipt) Describe() []Description {
	var explanation []string
	for _, f := range r.Files {
		if f.Created {
			explanation = append(explanation, fmt.Sprintf("Delete `%s`", f.Path))
		} else {
			explanation = append(explanation, fmt.Sprintf("Remove the Nix block from `%s`", f.Path))
		}
	}
	return []Description{NewDescription("Unconfigure the shell profiles", explanation...)}
}

// Revert walks the files in reverse order. A file whose block was already
// removed by hand is left alone.
func (r *ConfigureShellProfileReceipt) Revert(ctx context.Context) error {
	for i := len(r.Files) - 1; i >= 0; i-- {
		f := r.Files[i]
		if f.Created {
			if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", f.Path, err)
			}
			continue
		}
		if err := removeBlock(f.Path, r.Block, f.AddedNewline); err != nil {
			return err
		}
	}
	return nil
}

// removeBlock takes block and the blank line before it out of path. When the
// block is still at the end of the file, addedNewline also drops the newline
// appendBlock had to add.
func removeBlock(path, block string, addedNewline bool) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	contents := string(data)
	prefix := "\n"
	if addedNewline && strings.HasSuffix(contents, "\n\n"+block) {
		prefix = "\n\n"
	}
	stripped := strings.Replace(contents, prefix+block, "", 1)
	if stripped == contents {
		stripped = strings.Replace(contents, block, "", 1)
	}
	if stripped == contents {
		return nil
	}
	if err := snapshot.WriteAtomic(path, []byte(stripped), info.Mode().Perm()); err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	return nil
}
