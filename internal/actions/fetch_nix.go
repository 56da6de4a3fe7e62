package actions

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/ulikunitz/xz"

	"github.com/atomikpanda/nix-installer/internal/errs"
)

// StoreDir is the Nix store as seen by the running system.
const StoreDir = "/nix/store"

// HTTPClient is used for downloads. A stalled server fails the attempt
// instead of hanging the install.
var HTTPClient = &http.Client{
	Timeout: 15 * time.Minute,
	Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	},
}

// FetchNix downloads a Nix binary distribution (.tar.xz or .tar.gz) and
// unpacks it into Dest. URL may also be a local path or a file:// URL.
type FetchNix struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256,omitempty"`
	Dest   string `json:"dest"`
}

// PlanFetchNix fails when dest already holds something.
func PlanFetchNix(rawURL, sha, dest string) (*FetchNix, error) {
	a := &FetchNix{URL: rawURL, SHA256: strings.ToLower(sha), Dest: dest}
	if err := a.checkDest(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *FetchNix) checkDest() error {
	entries, err := os.ReadDir(a.Dest)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", a.Dest, err)
	}
	if len(entries) > 0 {
		return errs.Newf(errs.CodeConflict,
			"Directory `%s` is not empty, remove it before installing", a.Dest)
	}
	return nil
}

func (a *FetchNix) Kind() Kind { return KindFetchNix }

func (a *FetchNix) isAction() {}

func (a *FetchNix) Describe() []Description {
	explanation := []string{fmt.Sprintf("Unpack it into `%s`", a.Dest)}
	if a.SHA256 != "" {
		explanation = append(explanation, fmt.Sprintf("Verify SHA-256 `%s`", a.SHA256))
	}
	return []Description{NewDescription(fmt.Sprintf("Fetch `%s`", a.URL), explanation...)}
}

func (a *FetchNix) Execute(ctx context.Context) (Receipt, error) {
	if err := a.checkDest(); err != nil {
		return nil, err
	}

	archive, err := fetchArchive(ctx, a.URL)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", a.URL, err)
	}
	defer os.Remove(archive.path)
	log.Info().Str("url", a.URL).Str("size", humanize.Bytes(uint64(archive.size))).Msg("Fetched Nix distribution")

	if a.SHA256 != "" && archive.sha256 != a.SHA256 {
		return nil, fmt.Errorf("checksum mismatch for %s: got %s, want %s", a.URL, archive.sha256, a.SHA256)
	}

	if err := os.MkdirAll(a.Dest, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", a.Dest, err)
	}
	if err := extractTarball(archive.path, a.Dest); err != nil {
		if cleanErr := os.RemoveAll(a.Dest); cleanErr != nil {
			log.Warn().Err(cleanErr).Str("dest", a.Dest).Msg("Could not clean up partial unpack")
		}
		return nil, fmt.Errorf("unpack %s: %w", a.URL, err)
	}
	return &FetchNixReceipt{Dest: a.Dest}, nil
}

// FetchNixReceipt removes the unpacked tree.
type FetchNixReceipt struct {
	Dest string `json:"dest"`
}

func (r *FetchNixReceipt) Kind() Kind { return KindFetchNix }

func (r *FetchNixReceipt) isReceipt() {}

func (r *FetchNixReceipt) Describe() []Description {
	return []Description{NewDescription(fmt.Sprintf("Remove the unpacked Nix distribution in `%s`", r.Dest))}
}

func (r *FetchNixReceipt) Revert(ctx context.Context) error {
	if err := os.RemoveAll(r.Dest); err != nil {
		return fmt.Errorf("remove %s: %w", r.Dest, err)
	}
	return nil
}

// --- download ----------------------------------------------------------------

// FetchAttempts bounds how often a transient download failure is retried.
var FetchAttempts uint = 4

type fetchedArchive struct {
	path   string
	sha256 string
	size   int64
}

// statusError is a non-200 HTTP response.
type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("HTTP %d", e.code) }

// fetchArchive copies the archive at rawURL into a temporary file. Server
// errors and dropped connections are retried with exponential backoff; client
// errors and local files are not.
func fetchArchive(ctx context.Context, rawURL string) (fetchedArchive, error) {
	return backoff.Retry[fetchedArchive](ctx, func() (fetchedArchive, error) {
		tmpFile, err := os.CreateTemp("", "nix-installer-fetch-*")
		if err != nil {
			return fetchedArchive{}, backoff.Permanent(fmt.Errorf("create temp file: %w", err))
		}
		hash := sha256.New()
		n, err := fetchTo(ctx, rawURL, io.MultiWriter(tmpFile, hash))
		closeErr := tmpFile.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(tmpFile.Name())
			var se *statusError
			if errors.As(err, &se) && se.code < 500 {
				return fetchedArchive{}, backoff.Permanent(err)
			}
			if u, perr := url.Parse(rawURL); perr == nil && (u.Scheme == "" || u.Scheme == "file") {
				return fetchedArchive{}, backoff.Permanent(err)
			}
			log.Debug().Err(err).Str("url", rawURL).Msg("Download attempt failed")
			return fetchedArchive{}, err
		}
		return fetchedArchive{path: tmpFile.Name(), sha256: hex.EncodeToString(hash.Sum(nil)), size: n}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(FetchAttempts))
}

func fetchTo(ctx context.Context, rawURL string, dst io.Writer) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, err
	}
	switch u.Scheme {
	case "", "file":
		path := rawURL
		if u.Scheme == "file" {
			path = u.Path
		}
		f, err := os.Open(path)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		return io.Copy(dst, f)
	case "http", "https":
	default:
		return 0, backoff.Permanent(fmt.Errorf("unsupported scheme %q", u.Scheme))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", "nix-installer/1")

	resp, err := HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &statusError{code: resp.StatusCode}
	}
	return io.Copy(dst, resp.Body)
}

// --- extraction --------------------------------------------------------------

var (
	gzipMagic = []byte{0x1f, 0x8b}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// extractTarball unpacks a .tar.gz or .tar.xz archive, chosen by its magic
// bytes, into dest.
func extractTarball(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	magic, _ := br.Peek(len(xzMagic))
	var r io.Reader
	switch {
	case bytes.HasPrefix(magic, xzMagic):
		xr, err := xz.NewReader(br)
		if err != nil {
			return fmt.Errorf("open xz: %w", err)
		}
		r = xr
	case bytes.HasPrefix(magic, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("open gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	default:
		return errors.New("not a .tar.gz or .tar.xz archive")
	}

	root := filepath.Clean(dest) + string(os.PathSeparator)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		target := filepath.Join(dest, hdr.Name)
		if !strings.HasPrefix(target+string(os.PathSeparator), root) {
			return fmt.Errorf("archive entry %q escapes %s", hdr.Name, dest)
		}
		if err := refuseSymlinkedPath(dest, target, hdr.Name); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeEntry(tr, target, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if !linkStaysInside(root, target, hdr.Linkname) {
				return fmt.Errorf("archive entry %q links to %q outside %s", hdr.Name, hdr.Linkname, dest)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			log.Debug().Str("entry", hdr.Name).Msg("Skipping unsupported archive entry")
		}
	}
}

// refuseSymlinkedPath fails when target, or any directory between dest and
// target, is already a symlink on disk. Writing through it could land
// anywhere on the host.
func refuseSymlinkedPath(dest, target, name string) error {
	rel, err := filepath.Rel(dest, target)
	if err != nil {
		return err
	}
	p := dest
	for _, part := range strings.Split(rel, string(os.PathSeparator)) {
		if part == "." {
			continue
		}
		p = filepath.Join(p, part)
		info, err := os.Lstat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("archive entry %q escapes %s through symlink %s", name, dest, p)
		}
	}
	return nil
}

// linkStaysInside reports whether a symlink at target pointing at linkname
// resolves inside root. Absolute links are only allowed into the Nix store,
// where store paths refer to each other.
func linkStaysInside(root, target, linkname string) bool {
	if filepath.IsAbs(linkname) {
		return strings.HasPrefix(filepath.Clean(linkname)+string(os.PathSeparator), StoreDir+string(os.PathSeparator))
	}
	resolved := filepath.Join(filepath.Dir(target), linkname)
	return strings.HasPrefix(resolved+string(os.PathSeparator), root)
}

func writeEntry(r io.Reader, path string, mode os.FileMode) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
