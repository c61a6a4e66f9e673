package headless

import (
	"context"
	"net/http"
	"testing"

	"github.com/chromedp/cdproto/network"

	"github.com/quillbox-app/quillbox-workers/internal/notes"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewChromedp(Config{MaxParallel: -1}); err == nil {
		t.Fatal("expected error for negative max parallel")
	}
	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer fetcher.Close()
	if cap(fetcher.slots) != 2 {
		t.Fatalf("expected slot capacity 2, got %d", cap(fetcher.slots))
	}
	if fetcher.cfg.NavigationTimeout != defaultNavTimeout {
		t.Fatalf("expected default nav timeout, got %v", fetcher.cfg.NavigationTimeout)
	}
}

func TestTakeSlotCanceled(t *testing.T) {
	t.Parallel()

	fetcher, err := NewChromedp(Config{MaxParallel: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer fetcher.Close()

	if err := fetcher.takeSlot(context.Background()); err != nil {
		t.Fatalf("first slot should be free: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := fetcher.takeSlot(ctx); err == nil {
		t.Fatal("expected error waiting on a full slot channel")
	}
	fetcher.freeSlot()
	fetcher.freeSlot()
}

func TestPageCaptureObserve(t *testing.T) {
	t.Parallel()

	page := &pageCapture{}
	page.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeImage,
		Response: &network.Response{
			Status: 200,
			URL:    "https://example.com/logo.png",
		},
	})
	page.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:   204,
			URL:      "https://example.com/rendered",
			MimeType: "text/html",
		},
	})

	got := page.result("https://req")
	if got.StatusCode != 204 || got.ContentType != "text/html" || got.URL != "https://example.com/rendered" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if !got.UsedHeadless {
		t.Fatal("expected UsedHeadless to be set")
	}
}

func TestPageCaptureResultFallbacks(t *testing.T) {
	t.Parallel()

	page := &pageCapture{location: "https://final"}
	got := page.result("https://req")
	if got.StatusCode != http.StatusOK || got.URL != "https://final" {
		t.Fatalf("expected location fallback, got %+v", got)
	}

	page = &pageCapture{}
	got = page.result("https://req")
	if got.URL != "https://req" {
		t.Fatalf("expected request URL fallback, got %q", got.URL)
	}
}

func TestFoldHeaders(t *testing.T) {
	t.Parallel()

	folded := foldHeaders(http.Header{
		"X-Test": {"a", "b"},
		"Empty":  {},
	})
	if folded["X-Test"] != "a, b" {
		t.Fatalf("expected joined values, got %v", folded["X-Test"])
	}
	if _, ok := folded["Empty"]; ok {
		t.Fatal("expected empty header to be dropped")
	}
}

func TestPageCaptureTasks(t *testing.T) {
	t.Parallel()

	page := &pageCapture{}
	tasks := page.tasks(notes.FetchRequest{URL: "https://example.com", Headers: http.Header{"X-A": {"1"}}})
	if len(tasks) != 6 {
		t.Fatalf("expected 6 navigation tasks, got %d", len(tasks))
	}
}

func TestNoopFetcherError(t *testing.T) {
	t.Parallel()

	fetcher := NewNoop()
	if _, err := fetcher.Fetch(context.Background(), notes.FetchRequest{}); err == nil {
		t.Fatal("expected error from noop fetcher")
	}
}
