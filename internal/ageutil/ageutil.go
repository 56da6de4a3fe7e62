// Package ageutil seals and opens the netrc the installer can place for
// private binary caches. Sealed files are ASCII-armored age so they can be
// kept next to the settings file in version control.
package ageutil

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// Environment variables consulted by KeyFromEnv.
const (
	EnvPassphrase = "NIX_INSTALLER_AGE_PASSPHRASE"
	EnvIdentity   = "NIX_INSTALLER_AGE_IDENTITY"
)

// Key is either an age identity file or a scrypt passphrase. The
// passphrase wins when both are set.
type Key struct {
	IdentityFile string
	Passphrase   string
}

// KeyFromEnv builds a Key from identityFile, falling back to the identity and
// passphrase environment variables. The passphrase is never persisted.
func KeyFromEnv(identityFile string) Key {
	if identityFile == "" {
		identityFile = os.Getenv(EnvIdentity)
	}
	return Key{IdentityFile: identityFile, Passphrase: os.Getenv(EnvPassphrase)}
}

// Seal encrypts plaintext to k and returns the armored ciphertext.
func (k Key) Seal(plaintext []byte) ([]byte, error) {
	recipients, err := k.recipients()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, recipients...)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("write ciphertext: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalise ciphertext: %w", err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("finalise armor: %w", err)
	}
	return buf.Bytes(), nil
}

// Open decrypts ciphertext in either armored or binary age format.
func (k Key) Open(ciphertext []byte) ([]byte, error) {
	identities, err := k.identities()
	if err != nil {
		return nil, err
	}
	var src io.Reader = bytes.NewReader(ciphertext)
	if bytes.HasPrefix(bytes.TrimSpace(ciphertext), []byte(armor.Header)) {
		src = armor.NewReader(src)
	}
	r, err := age.Decrypt(src, identities...)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read plaintext: %w", err)
	}
	return plaintext, nil
}

// SealNetrc checks that src parses as a netrc, seals it and writes the
// result to dst with mode 0600.
func (k Key) SealNetrc(src, dst string) error {
	plaintext, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read netrc: %w", err)
	}
	if err := CheckNetrc(plaintext); err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	sealed, err := k.Seal(plaintext)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, sealed, 0o600)
}

// OpenNetrc decrypts the sealed netrc at src and checks the result.
func (k Key) OpenNetrc(src string) ([]byte, error) {
	ciphertext, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("read sealed netrc: %w", err)
	}
	plaintext, err := k.Open(ciphertext)
	if err != nil {
		return nil, err
	}
	if err := CheckNetrc(plaintext); err != nil {
		return nil, fmt.Errorf("decrypted %s: %w", src, err)
	}
	return plaintext, nil
}

var netrcKeywords = map[string]bool{
	"machine": true, "default": true, "login": true,
	"password": true, "account": true, "macdef": true,
}

// CheckNetrc reports the first token that breaks the netrc grammar. Every
// entry starts with `machine NAME` or `default`, and login, password and
// account each take one value. macdef bodies run to the next blank line.
func CheckNetrc(data []byte) error {
	sc := bufio.NewScanner(bytes.NewReader(data))
	inEntry, inMacro := false, false
	entries := 0
	for line := 1; sc.Scan(); line++ {
		text := sc.Text()
		if inMacro {
			inMacro = strings.TrimSpace(text) != ""
			continue
		}
		fields := strings.Fields(text)
		for i := 0; i < len(fields); i++ {
			tok := fields[i]
			if strings.HasPrefix(tok, "#") {
				break
			}
			if !netrcKeywords[tok] {
				return fmt.Errorf("netrc line %d: unexpected token %q", line, tok)
			}
			switch tok {
			case "default":
				inEntry = true
				entries++
				continue
			case "macdef":
				inMacro = true
				i = len(fields)
				continue
			}
			if tok != "machine" && !inEntry {
				return fmt.Errorf("netrc line %d: %q outside a machine entry", line, tok)
			}
			if i+1 >= len(fields) {
				return fmt.Errorf("netrc line %d: %q needs a value", line, tok)
			}
			i++
			if tok == "machine" {
				inEntry = true
				entries++
			}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if entries == 0 {
		return fmt.Errorf("netrc has no machine entries")
	}
	return nil
}

func (k Key) recipients() ([]age.Recipient, error) {
	if k.Passphrase != "" {
		r, err := age.NewScryptRecipient(k.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("create scrypt recipient: %w", err)
		}
		return []age.Recipient{r}, nil
	}

	identities, err := k.parseIdentityFile()
	if err != nil {
		return nil, err
	}
	var recipients []age.Recipient
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			recipients = append(recipients, x.Recipient())
		}
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no X25519 identities found in %s", k.IdentityFile)
	}
	return recipients, nil
}

func (k Key) identities() ([]age.Identity, error) {
	if k.Passphrase != "" {
		id, err := age.NewScryptIdentity(k.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("create scrypt identity: %w", err)
		}
		return []age.Identity{id}, nil
	}
	return k.parseIdentityFile()
}

func (k Key) parseIdentityFile() ([]age.Identity, error) {
	if k.IdentityFile == "" {
		return nil, fmt.Errorf("no age key configured; set %s or %s", EnvIdentity, EnvPassphrase)
	}
	f, err := os.Open(k.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse identities %s: %w", k.IdentityFile, err)
	}
	return identities, nil
}

// SealedPath is where `netrc encrypt` writes the sealed copy of src.
func SealedPath(src string) string {
	if strings.HasSuffix(src, ".age") {
		return src
	}
	return src + ".age"
}
