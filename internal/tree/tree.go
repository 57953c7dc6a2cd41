// Package tree builds nested folder trees for presentation, either from a
// storage backend listing or from asset records.
package tree

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/assetspace/internal/keys"
	"github.com/fruitsalade/assetspace/internal/logging"
	"github.com/fruitsalade/assetspace/internal/metadata"
	"github.com/fruitsalade/assetspace/internal/storage"
)

const (
	TypeFolder = "folder"
	TypeFile   = "file"
)

// Node is one folder or file in a presentation tree. Path is relative to
// the tenant root; folder paths end in "/". Folders always carry a non-nil
// Children slice, even when empty.
type Node struct {
	Name     string     `json:"name"`
	Type     string     `json:"type"`
	Children []*Node    `json:"children"`
	Size     *int64     `json:"size,omitempty"`
	Path     string     `json:"path,omitempty"`
	Modified *time.Time `json:"modified,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// MarshalJSON drops the children field from file nodes.
func (n *Node) MarshalJSON() ([]byte, error) {
	type alias Node
	if n.Type == TypeFile {
		return json.Marshal(struct {
			*alias
			Children []*Node `json:"children,omitempty"`
		}{alias: (*alias)(n)})
	}
	return json.Marshal((*alias)(n))
}

// IsFolder reports whether n is a folder node.
func (n *Node) IsFolder() bool { return n.Type == TypeFolder }

func newFolder(name, relPath string) *Node {
	return &Node{Name: name, Type: TypeFolder, Path: relPath, Children: []*Node{}}
}

// ExtensionFilter matches file names against a set of extensions,
// case-insensitively. An empty filter matches everything.
type ExtensionFilter map[string]struct{}

// NewExtensionFilter normalizes exts (".PNG", "png" and "png " all become ".png").
func NewExtensionFilter(exts []string) ExtensionFilter {
	f := ExtensionFilter{}
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		f[e] = struct{}{}
	}
	return f
}

// Match reports whether name passes the filter.
func (f ExtensionFilter) Match(name string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[strings.ToLower(path.Ext(name))]
	return ok
}

// Builder builds trees from backend listings.
type Builder struct {
	backend     storage.Backend
	assetPrefix string
}

// NewBuilder creates a Builder over backend for keys under assetPrefix.
func NewBuilder(backend storage.Backend, assetPrefix string) *Builder {
	return &Builder{backend: backend, assetPrefix: assetPrefix}
}

// Build lists relRoot (relative to the tenant root, "" for the whole
// namespace) one level at a time and recurses into every subfolder. A
// listing failure is recorded on the node it happened at; siblings are
// still built.
func (b *Builder) Build(ctx context.Context, tenantID, relRoot string, exts []string) (*Node, error) {
	tenantRoot, err := keys.TenantRoot(b.assetPrefix, tenantID)
	if err != nil {
		return nil, err
	}
	rootKey, err := keys.Join(tenantRoot, keys.NormalizeFolderKey(relRoot))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	filter := NewExtensionFilter(exts)
	root := newFolder(rootName(tenantRoot, rootKey, tenantID), keys.Rel(tenantRoot, rootKey))
	b.fill(ctx, tenantRoot, rootKey, root, filter)

	logging.Debug("built tree from storage",
		logging.Tenant(tenantID),
		logging.Key(rootKey),
		zap.Int("nodes", CountNodes(root)),
		zap.Duration("duration", time.Since(start)))
	return root, nil
}

func (b *Builder) fill(ctx context.Context, tenantRoot, folderKey string, node *Node, filter ExtensionFilter) {
	listing, err := b.backend.List(ctx, folderKey)
	if err != nil {
		node.Error = err.Error()
		logging.Warn("tree listing failed", logging.Key(folderKey), logging.Err(err))
		return
	}

	prefixes := append([]string(nil), listing.Prefixes...)
	sort.Strings(prefixes)
	for _, p := range prefixes {
		child := newFolder(keys.Leaf(p), keys.Rel(tenantRoot, p))
		node.Children = append(node.Children, child)
		b.fill(ctx, tenantRoot, p, child, filter)
	}

	objects := append([]storage.ObjectInfo(nil), listing.Objects...)
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	for _, obj := range objects {
		if obj.IsFolder() {
			continue
		}
		name := keys.Leaf(obj.Key)
		if !filter.Match(name) {
			continue
		}
		node.Children = append(node.Children, fileNode(name, keys.Rel(tenantRoot, obj.Key), obj.Size, obj.LastModified))
	}
}

func fileNode(name, relPath string, size int64, modified time.Time) *Node {
	n := &Node{Name: name, Type: TypeFile, Path: relPath, Size: &size}
	if !modified.IsZero() {
		m := modified.UTC()
		n.Modified = &m
	}
	return n
}

func rootName(tenantRoot, rootKey, tenantID string) string {
	if rootKey == tenantRoot {
		return tenantID
	}
	return keys.Leaf(rootKey)
}

// FromRecords builds the same shape from asset records, as returned by
// metadata.Store.ListByPrefix for rootKey. Records outside rootKey are
// ignored; folders implied by a record's key but missing as records are
// still materialized.
func FromRecords(tenantID, tenantRoot, rootKey string, records []*metadata.Asset, exts []string) *Node {
	tenantRoot = keys.NormalizeFolderKey(tenantRoot)
	rootKey = keys.NormalizeFolderKey(rootKey)
	filter := NewExtensionFilter(exts)

	root := newFolder(rootName(tenantRoot, rootKey, tenantID), keys.Rel(tenantRoot, rootKey))
	folders := map[string]*Node{rootKey: root}

	var ensure func(key string) *Node
	ensure = func(key string) *Node {
		if n, ok := folders[key]; ok {
			return n
		}
		n := newFolder(keys.Leaf(key), keys.Rel(tenantRoot, key))
		folders[key] = n
		parent := ensure(keys.FolderOf(tenantRoot, key))
		parent.Children = append(parent.Children, n)
		return n
	}

	sorted := append([]*metadata.Asset(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	for _, r := range sorted {
		if r.Key == rootKey || !strings.HasPrefix(r.Key, rootKey) {
			continue
		}
		if r.IsFolder {
			ensure(r.Key)
			continue
		}
		if !filter.Match(r.DisplayName) && !filter.Match(keys.Leaf(r.Key)) {
			continue
		}
		parent := ensure(keys.FolderOf(tenantRoot, r.Key))
		parent.Children = append(parent.Children, fileNode(keys.Leaf(r.Key), keys.Rel(tenantRoot, r.Key), r.SizeBytes, r.UpdatedAt))
	}

	sortChildren(root)
	return root
}

// sortChildren orders folders before files, each by name, matching Build.
func sortChildren(n *Node) {
	sort.SliceStable(n.Children, func(i, j int) bool {
		a, b := n.Children[i], n.Children[j]
		if a.IsFolder() != b.IsFolder() {
			return a.IsFolder()
		}
		return a.Path < b.Path
	})
	for _, c := range n.Children {
		if c.IsFolder() {
			sortChildren(c)
		}
	}
}

// CountNodes counts all nodes in a tree.
func CountNodes(root *Node) int {
	if root == nil {
		return 0
	}
	count := 1
	for _, child := range root.Children {
		count += CountNodes(child)
	}
	return count
}
