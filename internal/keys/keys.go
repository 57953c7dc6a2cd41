// Package keys maps tenant-scoped logical paths to backend object keys.
//
// Every function here is pure. Folder keys end with Separator, file keys
// never do, and a key is always fully qualified (it includes the tenant root).
package keys

import (
	"errors"
	"fmt"
	"strings"
)

// Separator is the folder delimiter in object keys.
const Separator = "/"

var (
	// ErrInvalidPath is returned for malformed or traversal-attempting paths.
	ErrInvalidPath = errors.New("invalid path")

	// ErrInvalidName is returned for empty or illegal display names.
	ErrInvalidName = errors.New("invalid name")
)

// Collapse removes repeated separators. A leading separator is dropped since
// object keys are never absolute.
func Collapse(key string) string {
	if key == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(key))
	prevSep := true // drops a leading separator
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c == '/' {
			if prevSep {
				continue
			}
			prevSep = true
		} else {
			prevSep = false
		}
		b.WriteByte(c)
	}
	return b.String()
}

// NormalizeFolderKey collapses separators and guarantees a trailing one.
// The empty key stays empty: it denotes a root, never a record.
func NormalizeFolderKey(key string) string {
	key = Collapse(key)
	if key == "" {
		return ""
	}
	if !strings.HasSuffix(key, Separator) {
		key += Separator
	}
	return key
}

// NormalizeFileKey collapses separators and strips a trailing one.
func NormalizeFileKey(key string) string {
	return strings.TrimSuffix(Collapse(key), Separator)
}

// IsFolderKey reports whether key denotes a folder.
func IsFolderKey(key string) bool {
	return strings.HasSuffix(key, Separator)
}

// TenantRoot returns the folder key every key of the tenant lives under.
func TenantRoot(prefix, tenantID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" || strings.Contains(tenantID, Separator) || tenantID == "." || tenantID == ".." {
		return "", fmt.Errorf("%w: tenant id %q", ErrInvalidPath, tenantID)
	}
	return NormalizeFolderKey(prefix + Separator + tenantID), nil
}

// Join builds a fully qualified key from a tenant root and a relative path.
// A trailing separator on relative is preserved, so folder paths stay folder
// keys. Paths containing ".." segments are rejected.
func Join(root, relative string) (string, error) {
	for _, seg := range strings.Split(relative, Separator) {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q escapes its root", ErrInvalidPath, relative)
		}
	}
	rel := Collapse(relative)
	// "." segments carry no meaning in a key
	parts := strings.Split(rel, Separator)
	kept := parts[:0]
	for _, p := range parts {
		if p != "." {
			kept = append(kept, p)
		}
	}
	rel = strings.Join(kept, Separator)
	if strings.HasPrefix(rel, Separator) {
		rel = rel[1:]
	}

	root = NormalizeFolderKey(root)
	if rel == "" {
		return root, nil
	}
	return root + rel, nil
}

// ParentOf returns the key of the folder enclosing key, without its trailing
// separator, or "" when that folder is the tenant root.
func ParentOf(root, key string) string {
	root = NormalizeFolderKey(root)
	trimmed := strings.TrimSuffix(Collapse(key), Separator)
	idx := strings.LastIndex(trimmed, Separator)
	if idx < 0 {
		return ""
	}
	parent := trimmed[:idx+1]
	if len(parent) <= len(root) {
		return ""
	}
	return strings.TrimSuffix(parent, Separator)
}

// FolderOf is ParentOf in folder-key form: the enclosing folder with its
// trailing separator, or root itself.
func FolderOf(root, key string) string {
	p := ParentOf(root, key)
	if p == "" {
		return NormalizeFolderKey(root)
	}
	return p + Separator
}

// Leaf returns the final path component of key.
func Leaf(key string) string {
	trimmed := strings.TrimSuffix(key, Separator)
	if idx := strings.LastIndex(trimmed, Separator); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

// Rel strips root from key. Keys outside root are returned unchanged.
func Rel(root, key string) string {
	return strings.TrimPrefix(key, NormalizeFolderKey(root))
}

// Ancestors lists the folder keys strictly between root and key, outermost
// first. For root "assets/t/" and key "assets/t/a/b/c.txt" it returns
// "assets/t/a/" and "assets/t/a/b/".
func Ancestors(root, key string) []string {
	root = NormalizeFolderKey(root)
	rel := strings.TrimSuffix(Rel(root, key), Separator)
	parts := strings.Split(rel, Separator)
	if len(parts) <= 1 {
		return nil
	}
	out := make([]string, 0, len(parts)-1)
	cur := root
	for _, p := range parts[:len(parts)-1] {
		cur += p + Separator
		out = append(out, cur)
	}
	return out
}

// ReplacePrefix rewrites key so that oldPrefix becomes newPrefix.
func ReplacePrefix(key, oldPrefix, newPrefix string) (string, bool) {
	if !strings.HasPrefix(key, oldPrefix) {
		return key, false
	}
	return newPrefix + key[len(oldPrefix):], true
}

// Rename replaces the final component of key with name, keeping the folder
// suffix convention.
func Rename(key, name string) string {
	folder := IsFolderKey(key)
	trimmed := strings.TrimSuffix(key, Separator)
	base := ""
	if idx := strings.LastIndex(trimmed, Separator); idx >= 0 {
		base = trimmed[:idx+1]
	}
	if folder {
		return base + name + Separator
	}
	return base + name
}

// ValidateName checks a display name used as a single key component.
func ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: name is empty", ErrInvalidName)
	case strings.Contains(name, Separator):
		return "", fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, Separator)
	case name == "." || name == "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}

// Depth counts the separators inside key, ignoring a trailing one.
func Depth(key string) int {
	return strings.Count(strings.TrimSuffix(key, Separator), Separator)
}
