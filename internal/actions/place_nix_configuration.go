package actions

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/atomikpanda/nix-installer/internal/errs"
)

const nixConfHeader = "# Generated by nix-installer.\n# See https://nixos.org/manual/nix/stable/command-ref/conf-file.html\n"

// PlaceNixConfiguration writes nix.conf into the Nix configuration directory,
// creating the directory first.
type PlaceNixConfiguration struct {
	Directory CreateDirectory `json:"directory"`
	File      CreateFile      `json:"file"`
}

// PlanPlaceNixConfiguration renders settings into dir/nix.conf. Keys already
// present in an existing nix.conf are kept; a key whose existing value differs
// from the requested one is a conflict unless force is set.
func PlanPlaceNixConfiguration(dir string, settings map[string]string, force bool) (*PlaceNixConfiguration, error) {
	directory, err := PlanCreateDirectory(dir, "", "", 0o755, false)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "nix.conf")

	existing, original, err := readNixConf(path)
	if err != nil {
		return nil, err
	}
	for k, v := range settings {
		if old, ok := existing[k]; ok && old != v && !force {
			return nil, errs.Newf(errs.CodeConflict,
				"`%s` already sets `%s = %s`, the installer needs `%s = %s`; pass `--force` to overwrite",
				path, k, old, k, v)
		}
	}

	var contents string
	if original == nil {
		if contents, err = renderNixConf(settings); err != nil {
			return nil, err
		}
	} else {
		contents = mergeNixConf(string(original), existing, settings)
	}
	// An existing file is merged rather than clobbered, so the write itself
	// is always allowed; the receipt keeps the original for revert.
	file, err := PlanCreateFile(path, "", "", 0o644, contents, true)
	if err != nil {
		return nil, err
	}
	return &PlaceNixConfiguration{Directory: *directory, File: *file}, nil
}

// readNixConf returns the top-level settings and raw contents of an existing
// nix.conf, or nils when there is none. Include directives are not settings
// and are skipped by the parse.
func readNixConf(path string) (map[string]string, []byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := ini.LoadSources(ini.LoadOptions{
		SkipUnrecognizableLines: true,
		IgnoreInlineComment:     true,
	}, data)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg.Section("").KeysHash(), data, nil
}

// mergeNixConf edits original in place. A line setting one of the keys in
// settings to another value is rewritten, and keys original lacks are
// appended below a marker. Comments, include directives and unrelated
// settings are kept byte for byte.
func mergeNixConf(original string, existing, settings map[string]string) string {
	lines := strings.SplitAfter(original, "\n")
	for i, line := range lines {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		want, owned := settings[key]
		if !owned || strings.TrimSpace(value) == want {
			continue
		}
		lines[i] = key + " = " + want
		if strings.HasSuffix(line, "\n") {
			lines[i] += "\n"
		}
	}
	out := strings.Join(lines, "")

	var missing []string
	for k := range settings {
		if _, ok := existing[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return out
	}
	sort.Strings(missing)
	if out != "" && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	out += "\n# Added by nix-installer.\n"
	for _, k := range missing {
		out += k + " = " + settings[k] + "\n"
	}
	return out
}

// renderNixConf writes settings as `key = value` lines sorted by key.
func renderNixConf(settings map[string]string) (string, error) {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// nix.conf has no inline comments, so values holding '#' or ';' must be
	// written verbatim rather than backtick-quoted.
	cfg := ini.Empty(ini.LoadOptions{IgnoreInlineComment: true})
	section := cfg.Section("")
	for _, k := range keys {
		if _, err := section.NewKey(k, settings[k]); err != nil {
			return "", fmt.Errorf("render nix.conf key %q: %w", k, err)
		}
	}
	var buf bytes.Buffer
	buf.WriteString(nixConfHeader)
	if _, err := cfg.WriteTo(&buf); err != nil {
		return "", fmt.Errorf("render nix.conf: %w", err)
	}
	return buf.String(), nil
}

func (a *PlaceNixConfiguration) Kind() Kind { return KindPlaceNixConfiguration }

func (a *PlaceNixConfiguration) isAction() {}

func (a *PlaceNixConfiguration) Describe() []Description {
	var settings []string
	for _, line := range strings.Split(a.File.Contents, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || !strings.Contains(line, "=") {
			continue
		}
		settings = append(settings, fmt.Sprintf("Set `%s`", line))
	}
	return []Description{NewDescription(
		fmt.Sprintf("Place the Nix configuration in `%s`", a.File.Path),
		append([]string{"This file is read by the Nix daemon to set its configuration options at runtime"}, settings...)...,
	)}
}

func (a *PlaceNixConfiguration) Execute(ctx context.Context) (Receipt, error) {
	dirReceipt, err := a.Directory.Execute(ctx)
	if err != nil {
		return nil, err
	}
	fileReceipt, err := a.File.Execute(ctx)
	if err != nil {
		if undoErr := dirReceipt.Revert(ctx); undoErr != nil {
			return nil, fmt.Errorf("%w (and removing %s failed: %v)", err, a.Directory.Path, undoErr)
		}
		return nil, err
	}
	return &PlaceNixConfigurationReceipt{
		Directory: *dirReceipt.(*CreateDirectoryReceipt),
		File:      *fileReceipt.(*CreateFileReceipt),
	}, nil
}

// PlaceNixConfigurationReceipt undoes the file, then the directory.
type PlaceNixConfigurationReceipt struct {
	Directory CreateDirectoryReceipt `json:"directory"`
	File      CreateFileReceipt      `json:"file"`
}

func (r *PlaceNixConfigurationReceipt) Kind() Kind { return KindPlaceNixConfiguration }

func (r *PlaceNixConfigurationReceipt) isReceipt() {}

func (r *PlaceNixConfigurationReceipt) Describe() []Description {
	return []Description{NewDescription(
		fmt.Sprintf("Remove the Nix configuration in `%s`", r.File.Path),
		r.File.Describe()[0].Title,
		r.Directory.Describe()[0].Title,
	)}
}

func (r *PlaceNixConfigurationReceipt) Revert(ctx context.Context) error {
	if err := r.File.Revert(ctx); err != nil {
		return err
	}
	return r.Directory.Revert(ctx)
}

