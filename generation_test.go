package alwayshsts

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	generationstore "github.com/always-cache/always-hsts/pkg/generation-store"
	"github.com/always-cache/always-hsts/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "always-hsts.yaml")
	if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestLoadRecordsGeneration(t *testing.T) {
	logger := zerolog.Nop()
	store := generationstore.NewMemStore()
	filename := writeConfig(t, `
hsts: 1d includeSubdomains
servers:
  - host: example.com
    origin: http://localhost:8080
    routes:
      - prefix: /legacy
        hsts: "off"
`)

	before := testutil.ToFloat64(metrics.ConfigLoads.WithLabelValues("ok"))
	g, err := Load(filename, LoadOptions{
		Logger: &logger,
		Now:    func() time.Time { return testNow },
		Store:  store,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !g.LoadedAt.Equal(testNow) || g.Source != filename {
		t.Errorf("Generation is %+v", g)
	}
	if got := testutil.ToFloat64(metrics.ConfigLoads.WithLabelValues("ok")) - before; got != 1 {
		t.Errorf("Successful loads increased by %v", got)
	}

	generations, err := store.All(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(generations) != 1 || generations[0].ID != g.ID.String() {
		t.Fatalf("Stored generations are %+v", generations)
	}
	policies := generations[0].Policies
	if len(policies) != 3 {
		t.Fatalf("Stored policies are %+v", policies)
	}
	if p := policies[0].Policy; !p.Enabled || !p.ExpiresAt.Equal(testNow.Add(24*time.Hour)) || !p.IncludeSubdomains {
		t.Errorf("Global policy is %v", p)
	}
	if policies[2].Scope != "server example.com route /legacy" || policies[2].Policy.Enabled {
		t.Errorf("Route policy is %+v", policies[2])
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	logger := zerolog.Nop()
	store := generationstore.NewMemStore()
	before := testutil.ToFloat64(metrics.ConfigLoads.WithLabelValues("error"))
	for _, content := range []string{
		"hsts: 1d includeSubdomains bogus",
		"hsts: [",
	} {
		if _, err := Load(writeConfig(t, content), LoadOptions{Logger: &logger, Store: store}); err == nil {
			t.Errorf("Expected error for %q", content)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), LoadOptions{Logger: &logger}); err == nil {
		t.Error("Expected error for missing file")
	}
	if got := testutil.ToFloat64(metrics.ConfigLoads.WithLabelValues("error")) - before; got != 3 {
		t.Errorf("Failed loads increased by %v", got)
	}
	if generations, _ := store.All(0); len(generations) != 0 {
		t.Fatalf("Invalid configurations were recorded: %+v", generations)
	}
}
