package nebconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nebulastore/nebulastore/internal/bytesize"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.ChannelCount < 1 {
		t.Errorf("ChannelCount = %d, want >= 1", cfg.ChannelCount)
	}
	if cfg.EntityCacheThresholdBytes != 1<<30 {
		t.Errorf("EntityCacheThresholdBytes = %d, want 1 GiB", cfg.EntityCacheThresholdBytes)
	}
	if cfg.EntityCacheTimeout != 24*time.Hour {
		t.Errorf("EntityCacheTimeout = %v, want 24h", cfg.EntityCacheTimeout)
	}
	if cfg.HousekeepingTimeBudget != 10*time.Millisecond {
		t.Errorf("HousekeepingTimeBudget = %v, want 10ms", cfg.HousekeepingTimeBudget)
	}
	if cfg.AfsStorageType != "nio" {
		t.Errorf("AfsStorageType = %q, want nio", cfg.AfsStorageType)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate(default config) error = %v", err)
	}
}

func TestValidate_RejectsZeroChannelCount(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.ChannelCount = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("Validate() with channel_count=0 should fail")
	}
}

func TestValidate_RejectsInvertedFileSizeBounds(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.DataFileMinSize = 200
	cfg.DataFileMaxSize = 100
	if err := Validate(cfg); err == nil {
		t.Fatal("Validate() with min > max should fail")
	}
}

func TestValidate_RejectsUnsupportedAfsType(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.UseAfs = true
	cfg.AfsStorageType = "azure.storage"
	if err := Validate(cfg); err == nil {
		t.Fatal("Validate() with an unregistered AFS type should fail")
	}
}

func TestSaveConfigThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	original := GetDefaultConfig()
	original.ChannelCount = 7
	original.StorageDirectory = filepath.Join(dir, "store")

	if err := SaveConfig(original, path); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.ChannelCount != 7 {
		t.Errorf("ChannelCount = %d, want 7", loaded.ChannelCount)
	}
	if loaded.StorageDirectory != original.StorageDirectory {
		t.Errorf("StorageDirectory = %q, want %q", loaded.StorageDirectory, original.StorageDirectory)
	}
}

func TestLoad_ParsesHumanReadableByteSizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := "channel_count: 2\n" +
		"data_file_max_size: 250MB\n" +
		"entity_cache_threshold_bytes: 2Gi\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DataFileMaxSize != 250*bytesize.MB {
		t.Errorf("DataFileMaxSize = %d, want %d", cfg.DataFileMaxSize, 250*bytesize.MB)
	}
	if cfg.EntityCacheThresholdBytes != 2*bytesize.GiB {
		t.Errorf("EntityCacheThresholdBytes = %d, want %d", cfg.EntityCacheThresholdBytes, 2*bytesize.GiB)
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ChannelCount < 1 {
		t.Errorf("ChannelCount = %d, want >= 1", cfg.ChannelCount)
	}
}
