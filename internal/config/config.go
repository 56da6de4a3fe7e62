// Package config holds the settings an install plan is built from.
//
// Settings start from Default, are overlaid by an optional YAML or TOML file,
// then by NIX_INSTALLER_* environment variables, and are validated last.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/atomikpanda/nix-installer/internal/audit"
	"github.com/atomikpanda/nix-installer/internal/errs"
	"github.com/atomikpanda/nix-installer/internal/plan"
	"github.com/atomikpanda/nix-installer/internal/platform"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NIX_INSTALLER_"

// DefaultNixVersion is the Nix release installed when none is configured.
const DefaultNixVersion = "2.24.9"

// Channel is a named Nix channel subscription.
type Channel struct {
	Name string `yaml:"name" toml:"name" validate:"required"`
	URL  string `yaml:"url" toml:"url" validate:"required,url"`
}

// Settings are the inputs of the planner.
type Settings struct {
	NixVersion       string `yaml:"nix_version" toml:"nix_version" validate:"required"`
	NixPackageURL    string `yaml:"nix_package_url" toml:"nix_package_url"`
	NixPackageSHA256 string `yaml:"nix_package_sha256" toml:"nix_package_sha256" validate:"omitempty,hexadecimal,len=64"`

	BuildGroupName  string `yaml:"build_group_name" toml:"build_group_name" validate:"required"`
	BuildGroupID    int    `yaml:"build_group_id" toml:"build_group_id" validate:"gt=0"`
	BuildUserPrefix string `yaml:"build_user_prefix" toml:"build_user_prefix" validate:"required"`
	BuildUserCount  int    `yaml:"build_user_count" toml:"build_user_count" validate:"gte=1,lte=1024"`
	BuildUserIDBase int    `yaml:"build_user_id_base" toml:"build_user_id_base" validate:"gt=0"`

	Channels  []Channel         `yaml:"channels" toml:"channels" validate:"dive"`
	ExtraConf map[string]string `yaml:"extra_conf" toml:"extra_conf"`

	ModifyProfile bool `yaml:"modify_profile" toml:"modify_profile"`
	StartDaemon   bool `yaml:"start_daemon" toml:"start_daemon"`

	// Netrc is an age-encrypted netrc placed at /etc/nix/netrc.
	Netrc         string `yaml:"netrc" toml:"netrc"`
	NetrcIdentity string `yaml:"netrc_identity" toml:"netrc_identity" validate:"excluded_without=Netrc"`

	Force       bool   `yaml:"force" toml:"force"`
	ReceiptPath string `yaml:"receipt_path" toml:"receipt_path" validate:"required"`
	AuditLog    string `yaml:"audit_log" toml:"audit_log" validate:"required"`
}

// Default mirrors the upstream installer.
func Default() *Settings {
	return &Settings{
		NixVersion:      DefaultNixVersion,
		BuildGroupName:  "nixbld",
		BuildGroupID:    3000,
		BuildUserPrefix: "nixbld",
		BuildUserCount:  32,
		BuildUserIDBase: 3000,
		Channels: []Channel{
			{Name: "nixpkgs", URL: "https://nixos.org/channels/nixpkgs-unstable"},
		},
		ExtraConf:     map[string]string{},
		ModifyProfile: true,
		StartDaemon:   true,
		ReceiptPath:   plan.ReceiptLocation,
		AuditLog:      audit.DefaultPath,
	}
}

// Load builds settings from defaults, the file at path (skipped when empty)
// and the environment as seen through getenv.
func Load(path string, getenv func(string) string) (*Settings, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	s := Default()
	if path != "" {
		if err := s.readFile(platform.ExpandPath(path, getenv)); err != nil {
			return nil, err
		}
	}
	if err := s.applyEnv(getenv); err != nil {
		return nil, err
	}
	s.expandPaths(getenv)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// expandPaths resolves "~" and $VARS in the path settings.
func (s *Settings) expandPaths(getenv func(string) string) {
	for _, p := range []*string{&s.Netrc, &s.NetrcIdentity, &s.ReceiptPath, &s.AuditLog} {
		if *p != "" {
			*p = platform.ExpandPath(*p, getenv)
		}
	}
}

func (s *Settings) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.Wrap(errs.CodeInvalidSettings, fmt.Sprintf("Reading settings `%s`", path), err)
	}
	// A list in the file replaces the default list rather than extending it.
	defaults := s.Channels
	s.Channels = nil
	defer func() {
		if s.Channels == nil {
			s.Channels = defaults
		}
	}()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
			return errs.Wrap(errs.CodeInvalidSettings, fmt.Sprintf("Reading settings `%s`", path), err)
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(s); err != nil {
			return errs.Wrap(errs.CodeInvalidSettings, fmt.Sprintf("Reading settings `%s`", path), err)
		}
	default:
		return errs.Newf(errs.CodeInvalidSettings,
			"Settings file `%s` must end in .yaml, .yml or .toml, not %q", path, ext)
	}
	return nil
}

func (s *Settings) applyEnv(getenv func(string) string) error {
	strs := []struct {
		name string
		dst  *string
	}{
		{"NIX_VERSION", &s.NixVersion},
		{"NIX_PACKAGE_URL", &s.NixPackageURL},
		{"NIX_PACKAGE_SHA256", &s.NixPackageSHA256},
		{"NIX_BUILD_GROUP_NAME", &s.BuildGroupName},
		{"NIX_BUILD_USER_PREFIX", &s.BuildUserPrefix},
		{"NETRC", &s.Netrc},
		{"NETRC_IDENTITY", &s.NetrcIdentity},
		{"RECEIPT_PATH", &s.ReceiptPath},
		{"AUDIT_LOG", &s.AuditLog},
	}
	for _, e := range strs {
		if v := getenv(EnvPrefix + e.name); v != "" {
			*e.dst = v
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"NIX_BUILD_GROUP_ID", &s.BuildGroupID},
		{"NIX_BUILD_USER_COUNT", &s.BuildUserCount},
		{"NIX_BUILD_USER_ID_BASE", &s.BuildUserIDBase},
	}
	for _, e := range ints {
		v := getenv(EnvPrefix + e.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errs.Newf(errs.CodeInvalidSettings, "%s%s must be a number, got %q", EnvPrefix, e.name, v)
		}
		*e.dst = n
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"MODIFY_PROFILE", &s.ModifyProfile},
		{"START_DAEMON", &s.StartDaemon},
		{"FORCE", &s.Force},
	}
	for _, e := range bools {
		v := getenv(EnvPrefix + e.name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errs.Newf(errs.CodeInvalidSettings, "%s%s must be true or false, got %q", EnvPrefix, e.name, v)
		}
		*e.dst = b
	}

	// NIX_INSTALLER_CHANNELS="nixpkgs=https://...,home-manager=https://..."
	if v := getenv(EnvPrefix + "CHANNELS"); v != "" {
		var channels []Channel
		for _, pair := range strings.Split(v, ",") {
			name, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				return errs.Newf(errs.CodeInvalidSettings, "%sCHANNELS entry %q is not name=url", EnvPrefix, pair)
			}
			channels = append(channels, Channel{Name: name, URL: url})
		}
		s.Channels = channels
	}

	// NIX_INSTALLER_EXTRA_CONF holds nix.conf lines and is merged over the file.
	if v := getenv(EnvPrefix + "EXTRA_CONF"); v != "" {
		if s.ExtraConf == nil {
			s.ExtraConf = map[string]string{}
		}
		for _, line := range strings.Split(v, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				return errs.Newf(errs.CodeInvalidSettings, "%sEXTRA_CONF line %q is not key = value", EnvPrefix, line)
			}
			s.ExtraConf[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate reports every invalid field in one expected error.
func (s *Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate settings: %w", err)
	}
	lines := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		lines = append(lines, describeField(fe))
	}
	return errs.New(errs.CodeInvalidSettings, "Invalid settings:\n  "+strings.Join(lines, "\n  "))
}

func describeField(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Settings.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "hexadecimal", "len":
		return field + " must be a 64 character hex SHA-256"
	case "url":
		return fmt.Sprintf("%s %q is not a URL", field, fe.Value())
	case "excluded_without":
		return field + " needs netrc to be set"
	default:
		return fmt.Sprintf("%s failed %q", field, fe.Tag())
	}
}

// PackageURL is the configured tarball URL, or the release tarball for the
// host when none is configured.
func (s *Settings) PackageURL() (string, error) {
	if s.NixPackageURL != "" {
		return s.NixPackageURL, nil
	}
	return ReleaseURL(s.NixVersion, runtime.GOOS, runtime.GOARCH)
}

// ReleaseURL returns the releases.nixos.org tarball for a Nix version on
// goos/goarch.
func ReleaseURL(version, goos, goarch string) (string, error) {
	system, err := nixSystem(goos, goarch)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://releases.nixos.org/nix/nix-%[1]s/nix-%[1]s-%[2]s.tar.xz", version, system), nil
}

func nixSystem(goos, goarch string) (string, error) {
	var arch string
	switch goarch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	case "386":
		arch = "i686"
	default:
		return "", errs.Newf(errs.CodeInvalidSettings, "No Nix release for architecture %q, set nix_package_url", goarch)
	}
	switch goos {
	case "linux", "darwin":
		return arch + "-" + goos, nil
	default:
		return "", errs.Newf(errs.CodeInvalidSettings, "No Nix release for %q, set nix_package_url", goos)
	}
}
