package certificate

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestGenerateCertificate(t *testing.T) {
	g := Generator{Prefix: "LIC", Now: func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }}
	ref, err := g.GenerateCertificate(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(ref, "LIC-2025-") {
		t.Fatalf("unexpected ref %s", ref)
	}
	again, _ := g.GenerateCertificate(context.Background(), "req-1")
	if again != ref {
		t.Fatalf("serial not stable: %s vs %s", ref, again)
	}
	other, _ := g.GenerateCertificate(context.Background(), "req-2")
	if other == ref {
		t.Fatalf("distinct requests share serial %s", ref)
	}
	if _, err := g.GenerateCertificate(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty request id")
	}
}
