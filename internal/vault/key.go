package vault

import (
	"fmt"
	"io"
	"path"
	"strings"
)

// checkKey rejects object keys that could address something outside the
// vault's namespace. Keys are slash-separated relative paths.
func checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty object key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") || path.Clean(key) != key {
		return fmt.Errorf("invalid object key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." || strings.HasPrefix(part, ".tmp-") {
			return fmt.Errorf("invalid object key %q", key)
		}
	}
	return nil
}

// checkName validates a host ID or metadata name.
func checkName(kind, s string) error {
	if s == "" || strings.ContainsAny(s, "/\\") || s == "." || s == ".." {
		return fmt.Errorf("invalid %s %q", kind, s)
	}
	return nil
}

// metadataKey joins a host ID and metadata name for stores with a flat keyspace.
func metadataKey(hostID, name string) string {
	return hostID + "/" + name
}

// readExactly drains r and checks it produced size bytes.
func readExactly(r io.Reader, size int64) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}
	return data, nil
}
