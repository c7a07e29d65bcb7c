// Package dictionary implements the line-oriented key=value document format
// used for root topologies and network configuration. Values may themselves
// be serialized dictionaries; serialization is canonical (keys sorted) so
// documents can be signed.
package dictionary

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"vether/internal/identity"
)

const (
	sigKey   = "__sig"
	sigIDKey = "__sig_id"
)

var ErrUnsigned = errors.New("dictionary carries no signature")

type Dictionary map[string]string

func New() Dictionary { return make(Dictionary) }

// FromString parses a serialized dictionary. Unparseable lines are skipped;
// an empty input yields an empty dictionary.
func FromString(s string) Dictionary {
	d := New()
	for _, line := range strings.Split(s, "\n") {
		if line == "" {
			continue
		}
		eq := indexUnescaped(line, '=')
		if eq < 0 {
			continue
		}
		key := unescape(line[:eq])
		if key == "" {
			continue
		}
		d[key] = unescape(line[eq+1:])
	}
	return d
}

func (d Dictionary) String() string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(escape(k))
		b.WriteByte('=')
		b.WriteString(escape(d[k]))
		b.WriteByte('\n')
	}
	return b.String()
}

func (d Dictionary) Get(key, dflt string) string {
	if v, ok := d[key]; ok {
		return v
	}
	return dflt
}

// GetUint64 reads a hex-encoded integer, the convention for ids and
// timestamps in these documents.
func (d Dictionary) GetUint64(key string, dflt uint64) uint64 {
	v, ok := d[key]
	if !ok {
		return dflt
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 16, 64)
	if err != nil {
		return dflt
	}
	return n
}

func (d Dictionary) Set(key, value string) { d[key] = value }

func (d Dictionary) SetUint64(key string, value uint64) {
	d[key] = strconv.FormatUint(value, 16)
}

// Sub parses the value under key as a nested dictionary.
func (d Dictionary) Sub(key string) Dictionary {
	return FromString(d.Get(key, ""))
}

// Sign appends a signature over the canonical serialization of all
// non-signature pairs, plus the signer's address.
func (d Dictionary) Sign(signer *identity.Identity) error {
	delete(d, sigKey)
	delete(d, sigIDKey)
	sig, err := signer.Sign([]byte(d.String()))
	if err != nil {
		return err
	}
	d[sigKey] = fmt.Sprintf("%x", sig)
	d[sigIDKey] = signer.Address().String()
	return nil
}

// Verify checks the embedded signature against the given identity. The
// signer address recorded in the document must match as well.
func (d Dictionary) Verify(signer *identity.Identity) error {
	sigHex, ok := d[sigKey]
	if !ok {
		return ErrUnsigned
	}
	sigID, ok := d[sigIDKey]
	if !ok {
		return ErrUnsigned
	}
	addr, err := identity.ParseAddress(sigID)
	if err != nil || addr != signer.Address() {
		return fmt.Errorf("signature from %q, not %s", sigID, signer.Address())
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("undecodable signature: %w", err)
	}
	body := New()
	for k, v := range d {
		if k == sigKey || k == sigIDKey {
			continue
		}
		body[k] = v
	}
	if !signer.Verify([]byte(body.String()), sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// SignerAddress reports who the document claims signed it.
func (d Dictionary) SignerAddress() (identity.Address, bool) {
	v, ok := d[sigIDKey]
	if !ok {
		return 0, false
	}
	addr, err := identity.ParseAddress(v)
	if err != nil {
		return 0, false
	}
	return addr, true
}

func escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case 0:
			b.WriteString(`\0`)
		case '\r':
			b.WriteString(`\r`)
		case '\n':
			b.WriteString(`\n`)
		case '\\':
			b.WriteString(`\\`)
		case '=':
			b.WriteString(`\e`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			break
		}
		switch s[i] {
		case '0':
			b.WriteByte(0)
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case '\\':
			b.WriteByte('\\')
		case 'e':
			b.WriteByte('=')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// indexUnescaped finds the first occurrence of sep not preceded by a
// backslash escape.
func indexUnescaped(s string, sep byte) int {
	esc := false
	for i := 0; i < len(s); i++ {
		if esc {
			esc = false
			continue
		}
		switch s[i] {
		case '\\':
			esc = true
		case sep:
			return i
		}
	}
	return -1
}
