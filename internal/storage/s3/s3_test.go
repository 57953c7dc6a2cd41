package s3

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/fruitsalade/assetspace/internal/storage"
)

func responseError(status int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      fmt.Errorf("status %d", status),
		},
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		notFound  bool
		retryable bool
	}{
		{"no such key", &types.NoSuchKey{}, true, false},
		{"head not found", &types.NotFound{}, true, false},
		{"404", responseError(http.StatusNotFound), true, false},
		{"403", responseError(http.StatusForbidden), false, false},
		{"429", responseError(http.StatusTooManyRequests), false, true},
		{"503", responseError(http.StatusServiceUnavailable), false, true},
		{"timeout", context.DeadlineExceeded, false, true},
		{"canceled", context.Canceled, false, false},
		{"transport", errors.New("connection reset by peer"), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("get", "assets/t/x", tt.err)
			var se *storage.Error
			if !errors.As(err, &se) {
				t.Fatalf("classify returned %T, want *storage.Error", err)
			}
			if got := storage.IsNotFound(err); got != tt.notFound {
				t.Errorf("IsNotFound = %v, want %v", got, tt.notFound)
			}
			if se.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", se.Retryable, tt.retryable)
			}
		})
	}

	if classify("get", "k", nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}

const listPage = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
<Name>assets</Name><Prefix>%s</Prefix><MaxKeys>1000</MaxKeys>
<IsTruncated>%t</IsTruncated>%s%s
</ListBucketResult>`

func object(key string, size int) string {
	return fmt.Sprintf("<Contents><Key>%s</Key><LastModified>2024-01-01T00:00:00.000Z</LastModified><Size>%d</Size></Contents>", key, size)
}

func commonPrefix(prefix string) string {
	return fmt.Sprintf("<CommonPrefixes><Prefix>%s</Prefix></CommonPrefixes>", prefix)
}

// newTestBackend points a Backend at an in-process S3 endpoint. Bucket
// checks always succeed; every other request goes to handler.
func newTestBackend(t *testing.T, handler http.HandlerFunc) *Backend {
	t.Helper()
	t.Setenv("AWS_CONFIG_FILE", "/nonexistent")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", "/nonexistent")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead && strings.Trim(r.URL.Path, "/") == "assets" {
			w.WriteHeader(http.StatusOK)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	b, err := New(context.Background(), Config{
		Endpoint:  srv.URL,
		Bucket:    "assets",
		AccessKey: "test",
		SecretKey: "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func writeXML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func TestListSkipsFolderMarker(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.Method != http.MethodGet || q.Get("list-type") != "2" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if q.Get("delimiter") != "/" || q.Get("prefix") != "assets/t1/docs/" {
			t.Errorf("query = %v", q)
		}
		writeXML(w, http.StatusOK, fmt.Sprintf(listPage, "assets/t1/docs/", false,
			object("assets/t1/docs/", 0)+object("assets/t1/docs/a.txt", 5),
			commonPrefix("assets/t1/docs/sub/")))
	})

	listing, err := b.List(context.Background(), "assets/t1/docs/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listing.Objects) != 1 || listing.Objects[0].Key != "assets/t1/docs/a.txt" {
		t.Fatalf("objects = %+v, want only a.txt", listing.Objects)
	}
	if listing.Objects[0].Size != 5 {
		t.Errorf("size = %d, want 5", listing.Objects[0].Size)
	}
	if len(listing.Prefixes) != 1 || listing.Prefixes[0] != "assets/t1/docs/sub/" {
		t.Errorf("prefixes = %v, want [assets/t1/docs/sub/]", listing.Prefixes)
	}
}

func TestWalkFollowsContinuationTokens(t *testing.T) {
	pages := map[string]string{
		"":       fmt.Sprintf(listPage, "assets/t1/", true, object("assets/t1/a", 1)+object("assets/t1/b", 2), "<NextContinuationToken>page-2</NextContinuationToken>"),
		"page-2": fmt.Sprintf(listPage, "assets/t1/", true, "", "<NextContinuationToken>page-3</NextContinuationToken>"),
		"page-3": fmt.Sprintf(listPage, "assets/t1/", false, object("assets/t1/c/d", 3), ""),
	}
	var tokens []string
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("max-keys") != "1000" {
			t.Errorf("max-keys = %q", q.Get("max-keys"))
		}
		if q.Has("delimiter") {
			t.Errorf("walk must not use a delimiter: %v", q)
		}
		token := q.Get("continuation-token")
		tokens = append(tokens, token)
		page, ok := pages[token]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeXML(w, http.StatusOK, page)
	})

	var batches [][]string
	err := b.Walk(context.Background(), "assets/t1/", func(objs []storage.ObjectInfo) error {
		var keys []string
		for _, o := range objs {
			keys = append(keys, o.Key)
		}
		batches = append(batches, keys)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if got := strings.Join(tokens, ","); got != ",page-2,page-3" {
		t.Errorf("tokens = %q", got)
	}
	if len(batches) != 2 {
		t.Fatalf("batches = %v, want 2 non-empty pages", batches)
	}
	if strings.Join(batches[0], ",") != "assets/t1/a,assets/t1/b" || strings.Join(batches[1], ",") != "assets/t1/c/d" {
		t.Errorf("batches = %v", batches)
	}
}

func TestWalkStopsOnCallbackError(t *testing.T) {
	calls := 0
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeXML(w, http.StatusOK, fmt.Sprintf(listPage, "assets/t1/", true,
			object("assets/t1/a", 1), "<NextContinuationToken>next</NextContinuationToken>"))
	})

	stop := errors.New("stop")
	err := b.Walk(context.Background(), "assets/t1/", func([]storage.ObjectInfo) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("Walk error = %v, want callback error", err)
	}
	if calls != 1 {
		t.Errorf("requests = %d, want 1", calls)
	}
}

func TestDeleteBatchMergesOutcomes(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !r.URL.Query().Has("delete") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeXML(w, http.StatusOK, `<?xml version="1.0" encoding="UTF-8"?>
<DeleteResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
<Deleted><Key>assets/t1/a</Key></Deleted>
<Error><Key>assets/t1/b</Key><Code>AccessDenied</Code><Message>denied</Message></Error>
</DeleteResult>`)
	})

	keys := []string{"assets/t1/a", "assets/t1/b", "assets/t1/c"}
	results, err := b.DeleteBatch(context.Background(), keys)
	if err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}
	want := map[string]bool{"assets/t1/a": true, "assets/t1/b": false, "assets/t1/c": false}
	for k, ok := range want {
		if got, present := results[k]; !present || got != ok {
			t.Errorf("results[%s] = %v (present %v), want %v", k, got, present, ok)
		}
	}
	if failed := storage.Failed(keys, results); strings.Join(failed, ",") != "assets/t1/b,assets/t1/c" {
		t.Errorf("failed = %v", failed)
	}
}

func TestDeleteStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		code    string
		wantErr bool
	}{
		{"removed", http.StatusNoContent, "", false},
		{"absent", http.StatusNotFound, "NoSuchKey", false},
		{"forbidden", http.StatusForbidden, "AccessDenied", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodDelete || r.URL.Path != "/assets/assets/t1/gone.txt" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				if tt.code == "" {
					w.WriteHeader(tt.status)
					return
				}
				writeXML(w, tt.status, fmt.Sprintf("<Error><Code>%s</Code><Message>x</Message></Error>", tt.code))
			})

			err := b.Delete(context.Background(), "assets/t1/gone.txt")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Delete error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && storage.IsRetryable(err) {
				t.Errorf("%d should not be retryable", tt.status)
			}
		})
	}
}
