package factory

import (
	"context"
	"testing"
	"time"

	"github.com/fruitsalade/assetspace/internal/config"
)

func TestSelectFallsBackToLocal(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.StorageConfig
	}{
		{"nothing set", config.StorageConfig{}},
		{"no bucket", config.StorageConfig{AccessKey: "ak", SecretKey: "sk"}},
		{"no secret", config.StorageConfig{AccessKey: "ak", BucketName: "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.BaseDirectory = t.TempDir()
			cfg.SigningSecret = "s"
			cfg.OpTimeout = time.Second

			b, err := Select(context.Background(), cfg)
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if b.Type() != "local" {
				t.Errorf("Type = %q, want local", b.Type())
			}
			if _, ok := Local(b); !ok {
				t.Error("Local should find the wrapped filesystem backend")
			}
		})
	}
}
