// Package digest computes the SHA-256 content digests used for manifest
// entries, manifest fingerprints, and recovery token resource binding.
package digest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"
	"strings"
)

// Size is the length of a hex-encoded digest.
const Size = sha256.Size * 2

const chunkSize = 32 * 1024

// HashFailedError is returned when a file cannot be read for hashing.
// Callers decide whether to skip-and-record or abort.
type HashFailedError struct {
	Path string
	Err  error
}

func (e *HashFailedError) Error() string {
	return fmt.Sprintf("hashing %s: %v", e.Path, e.Err)
}

func (e *HashFailedError) Unwrap() error { return e.Err }

// Hash returns the hex digest of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// New returns a fresh hash.Hash of the kind used for content digests.
func New() hash.Hash {
	return sha256.New()
}

// Sum returns the hex digest accumulated in h.
func Sum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// HashReader hashes r in chunks, checking ctx between chunks.
// Returns the hex digest and the number of bytes read.
func HashReader(ctx context.Context, r io.Reader) (string, int64, error) {
	h := sha256.New()
	buf := make([]byte, chunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return "", total, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", total, err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), total, nil
}

// HashFile hashes the file at path.
func HashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &HashFailedError{Path: path, Err: err}
	}
	defer f.Close()

	sum, _, err := HashReader(ctx, f)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", &HashFailedError{Path: path, Err: err}
	}
	return sum, nil
}

// HashOfSet hashes the concatenation of the per-file digests of paths,
// taken in sorted path order so the result does not depend on the order
// the filesystem enumerated them in.
func HashOfSet(ctx context.Context, paths []string) (string, error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	h := sha256.New()
	for _, p := range sorted {
		sum, err := HashFile(ctx, p)
		if err != nil {
			return "", err
		}
		io.WriteString(h, sum)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Item is a path/digest pair fed to Manifest.
type Item struct {
	Path string
	Hash string
}

// Manifest fingerprints a set of path/digest pairs. Unlike HashOfSet it
// covers the paths too, so a rename changes the result.
func Manifest(items []Item) string {
	sorted := append([]Item(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	for _, it := range sorted {
		io.WriteString(h, it.Path)
		h.Write([]byte{0})
		io.WriteString(h, it.Hash)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Valid reports whether s looks like a digest produced by this package.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f')
	}) < 0
}
