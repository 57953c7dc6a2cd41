package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestChunkedDeleteSplitsAndMerges(t *testing.T) {
	keys := make([]string, 2500)
	for i := range keys {
		keys[i] = fmt.Sprintf("assets/t/k%04d", i)
	}

	var sizes []int
	results, err := ChunkedDelete(context.Background(), keys, MaxBatchSize, func(_ context.Context, chunk []string) (map[string]bool, error) {
		sizes = append(sizes, len(chunk))
		out := make(map[string]bool, len(chunk))
		for _, k := range chunk {
			out[k] = true
		}
		return out, nil
	})
	if err != nil {
		t.Fatalf("ChunkedDelete: %v", err)
	}
	if len(sizes) != 3 || sizes[0] != 1000 || sizes[1] != 1000 || sizes[2] != 500 {
		t.Errorf("chunk sizes = %v, want [1000 1000 500]", sizes)
	}
	if len(results) != 2500 {
		t.Errorf("len(results) = %d, want 2500", len(results))
	}
	if f := Failed(keys, results); len(f) != 0 {
		t.Errorf("unexpected failures: %d", len(f))
	}
}

func TestChunkedDeleteContinuesAfterFailedChunk(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e"}
	calls := 0
	results, err := ChunkedDelete(context.Background(), keys, 2, func(_ context.Context, chunk []string) (map[string]bool, error) {
		calls++
		if chunk[0] == "c" {
			return nil, errors.New("boom")
		}
		out := map[string]bool{}
		for _, k := range chunk {
			out[k] = true
		}
		return out, nil
	})
	if err == nil {
		t.Fatal("expected joined chunk error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	want := []string{"c", "d"}
	got := Failed(keys, results)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Failed = %v, want %v", got, want)
	}
	if !results["e"] {
		t.Error("chunk after failure should still run")
	}
}

func TestErrorClassification(t *testing.T) {
	nf := NotFound("get", "k")
	if !IsNotFound(nf) {
		t.Error("NotFound should match ErrNotFound")
	}
	if IsRetryable(nf) {
		t.Error("NotFound should not be retryable")
	}
	tr := fmt.Errorf("upload: %w", Transient("put", "k", errors.New("503")))
	if !IsRetryable(tr) {
		t.Error("Transient should be retryable through wrapping")
	}
	var se *Error
	if !errors.As(tr, &se) || se.Op != "put" || se.Key != "k" {
		t.Errorf("errors.As = %+v", se)
	}
	if IsRetryable(Terminal("put", "k", errors.New("403"))) {
		t.Error("Terminal should not be retryable")
	}
}

func TestURLSigner(t *testing.T) {
	s := NewURLSigner("secret")
	link, err := s.Link("http://localhost:8080/", "assets/t/my file.png", time.Minute)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Path != "/files/assets/t/my file.png" {
		t.Errorf("path = %q", u.Path)
	}
	if err := s.Verify("assets/t/my file.png", u.Query()); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if err := s.Verify("assets/t/other.png", u.Query()); !errors.Is(err, ErrLinkSignature) {
		t.Errorf("Verify(other key) = %v, want ErrLinkSignature", err)
	}
	if err := NewURLSigner("different").Verify("assets/t/my file.png", u.Query()); !errors.Is(err, ErrLinkSignature) {
		t.Errorf("Verify(other secret) = %v, want ErrLinkSignature", err)
	}

	q := u.Query()
	q.Set("exp", "1")
	if err := s.Verify("assets/t/my file.png", q); !errors.Is(err, ErrLinkExpired) {
		t.Errorf("Verify(expired) = %v, want ErrLinkExpired", err)
	}
}
