package tree

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/fruitsalade/assetspace/internal/metadata"
	"github.com/fruitsalade/assetspace/internal/storage"
	"github.com/fruitsalade/assetspace/internal/storage/local"
)

// flatBackend simulates an object store: a flat key space where folders
// exist only as markers or common prefixes.
type flatBackend struct {
	objects map[string]int64
	failOn  map[string]bool
}

func (f *flatBackend) List(_ context.Context, prefix string) (*storage.Listing, error) {
	if f.failOn[prefix] {
		return nil, storage.Transient("list", prefix, errors.New("503 slow down"))
	}
	l := &storage.Listing{}
	seen := map[string]bool{}
	for k, size := range f.objects {
		if !strings.HasPrefix(k, prefix) || k == prefix {
			continue
		}
		rest := k[len(prefix):]
		if i := strings.Index(rest, "/"); i >= 0 {
			p := prefix + rest[:i+1]
			if !seen[p] {
				seen[p] = true
				l.Prefixes = append(l.Prefixes, p)
			}
			continue
		}
		l.Objects = append(l.Objects, storage.ObjectInfo{Key: k, Size: size, LastModified: time.Unix(0, 0)})
	}
	return l, nil
}

func (f *flatBackend) Put(context.Context, string, io.Reader, int64, string) error { return nil }
func (f *flatBackend) Get(context.Context, string) (io.ReadCloser, error)          { return nil, nil }
func (f *flatBackend) Delete(context.Context, string) error                        { return nil }
func (f *flatBackend) DeleteBatch(context.Context, []string) (map[string]bool, error) {
	return nil, nil
}
func (f *flatBackend) Copy(context.Context, string, string) error { return nil }
func (f *flatBackend) Walk(context.Context, string, func([]storage.ObjectInfo) error) error {
	return nil
}
func (f *flatBackend) Exists(context.Context, string) (bool, error)      { return false, nil }
func (f *flatBackend) Size(context.Context, string) (int64, bool, error) { return 0, false, nil }
func (f *flatBackend) PresignedURL(context.Context, string, time.Duration) (string, error) {
	return "", nil
}
func (f *flatBackend) Type() string { return "fake" }
func (f *flatBackend) Close() error { return nil }

var sampleKeys = map[string]int64{
	"assets/t1/a/":         0,
	"assets/t1/a/b.png":    3,
	"assets/t1/a/c/":       0,
	"assets/t1/a/c/d.mp4":  4,
	"assets/t1/a/c/e.txt":  5,
	"assets/t1/empty/":     0,
	"assets/t1/readme.TXT": 6,
}

// shape reduces a tree to paths for comparison across backends.
func shape(n *Node) []string {
	var out []string
	var walk func(n *Node)
	walk = func(n *Node) {
		out = append(out, n.Type+":"+n.Path)
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(n)
	return out
}

func TestBuildEmptyFolderKeepsNode(t *testing.T) {
	b := NewBuilder(&flatBackend{objects: sampleKeys}, "assets")
	root, err := b.Build(context.Background(), "t1", "", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	empty := findByPath(root, "empty/")
	if empty == nil {
		t.Fatal("empty folder omitted")
	}
	if empty.Children == nil || len(empty.Children) != 0 {
		t.Errorf("empty.Children = %#v, want empty non-nil", empty.Children)
	}

	data, err := json.Marshal(empty)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"children":[]`) {
		t.Errorf("folder JSON = %s", data)
	}
	file, _ := json.Marshal(findByPath(root, "a/b.png"))
	if strings.Contains(string(file), "children") {
		t.Errorf("file JSON = %s", file)
	}
}

func TestBuildExtensionFilter(t *testing.T) {
	b := NewBuilder(&flatBackend{objects: sampleKeys}, "assets")
	root, err := b.Build(context.Background(), "t1", "", []string{"PNG", ".txt"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got := shape(root)
	want := []string{
		"folder:",
		"folder:a/",
		"folder:a/c/",
		"file:a/c/e.txt",
		"file:a/b.png",
		"folder:empty/",
		"file:readme.TXT",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("shape = %v\nwant   %v", got, want)
	}
}

func TestBuildCapturesListingErrors(t *testing.T) {
	b := NewBuilder(&flatBackend{objects: sampleKeys, failOn: map[string]bool{"assets/t1/a/c/": true}}, "assets")
	root, err := b.Build(context.Background(), "t1", "", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	c := findByPath(root, "a/c/")
	if c == nil || c.Error == "" {
		t.Fatalf("a/c/ node = %+v, want captured error", c)
	}
	if findByPath(root, "a/b.png") == nil || findByPath(root, "empty/") == nil {
		t.Error("siblings of the failing node must still be built")
	}
}

func TestBuildSubtreeAndInvalidTenant(t *testing.T) {
	b := NewBuilder(&flatBackend{objects: sampleKeys}, "assets")
	root, err := b.Build(context.Background(), "t1", "a/c", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if root.Name != "c" || len(root.Children) != 2 {
		t.Errorf("subtree root = %+v", root)
	}
	if _, err := b.Build(context.Background(), "t1", "../t2", nil); err == nil {
		t.Error("expected error for traversal root")
	}
	if _, err := b.Build(context.Background(), "", "", nil); err == nil {
		t.Error("expected error for empty tenant")
	}
}

func TestBuildIdenticalAcrossBackends(t *testing.T) {
	ctx := context.Background()
	lb, err := local.New(local.Config{RootPath: t.TempDir(), CreateDirs: true})
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	for k := range sampleKeys {
		if err := lb.Put(ctx, k, strings.NewReader(strings.Repeat("x", int(sampleKeys[k]))), sampleKeys[k], ""); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	fromLocal, err := NewBuilder(lb, "assets").Build(ctx, "t1", "", nil)
	if err != nil {
		t.Fatalf("Build(local): %v", err)
	}
	fromFlat, err := NewBuilder(&flatBackend{objects: sampleKeys}, "assets").Build(ctx, "t1", "", nil)
	if err != nil {
		t.Fatalf("Build(flat): %v", err)
	}
	if !reflect.DeepEqual(shape(fromLocal), shape(fromFlat)) {
		t.Errorf("local %v\nflat  %v", shape(fromLocal), shape(fromFlat))
	}
}

func TestFromRecordsMatchesBuild(t *testing.T) {
	var records []*metadata.Asset
	for k, size := range sampleKeys {
		records = append(records, &metadata.Asset{
			TenantID:  "t1",
			Key:       k,
			IsFolder:  strings.HasSuffix(k, "/"),
			SizeBytes: size,
		})
	}
	// A file whose folder has no record of its own.
	records = append(records, &metadata.Asset{TenantID: "t1", Key: "assets/t1/orphan/x.png", SizeBytes: 1})

	got := FromRecords("t1", "assets/t1/", "assets/t1/", records, nil)
	want := []string{
		"folder:",
		"folder:a/",
		"folder:a/c/",
		"file:a/c/d.mp4",
		"file:a/c/e.txt",
		"file:a/b.png",
		"folder:empty/",
		"folder:orphan/",
		"file:orphan/x.png",
		"file:readme.TXT",
	}
	if !reflect.DeepEqual(shape(got), want) {
		t.Errorf("shape = %v\nwant   %v", shape(got), want)
	}
	if n := findByPath(got, "a/b.png"); n == nil || n.Size == nil || *n.Size != 3 {
		t.Errorf("a/b.png = %+v", n)
	}
	if CountNodes(got) != len(want) {
		t.Errorf("CountNodes = %d, want %d", CountNodes(got), len(want))
	}
}

func findByPath(root *Node, relPath string) *Node {
	if root == nil {
		return nil
	}
	if root.Path == relPath {
		return root
	}
	for _, child := range root.Children {
		if found := findByPath(child, relPath); found != nil {
			return found
		}
	}
	return nil
}
