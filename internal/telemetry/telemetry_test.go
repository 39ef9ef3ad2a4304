package telemetry

import "testing"

func TestNew_EmptyKeyIsNoop(t *testing.T) {
	svc := New("", "", nil)
	if _, ok := svc.(*NoopService); !ok {
		t.Fatalf("expected *NoopService, got %T", svc)
	}
	// Must not panic.
	svc.Track("sbx-1", "sandbox_created", map[string]any{"provider": "e2b"})
	svc.Close()
}

func TestNew_WithKey(t *testing.T) {
	svc := New("phc_test", "http://127.0.0.1:1", map[string]any{"version": "dev"})
	ps, ok := svc.(*posthogService)
	if !ok {
		t.Fatalf("expected *posthogService, got %T", svc)
	}
	defer svc.Close()

	props := ps.properties(map[string]any{"provider": "vercel", "version": "override"})
	if props["provider"] != "vercel" {
		t.Errorf("expected event property kept, got %v", props["provider"])
	}
	if props["version"] != "override" {
		t.Errorf("expected event value to win, got %v", props["version"])
	}
}

func TestNew_BaseIsCopied(t *testing.T) {
	base := map[string]any{"provider": "e2b"}
	svc := New("phc_test", "http://127.0.0.1:1", base).(*posthogService)
	defer svc.Close()

	base["provider"] = "mutated"
	if got := svc.properties(nil)["provider"]; got != "e2b" {
		t.Errorf("expected base copied at construction, got %v", got)
	}
}
