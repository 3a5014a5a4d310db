package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestInitThenStatus_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	storageDir := filepath.Join(dir, "data")

	root := GetRootCmd()

	root.SetArgs([]string{"init", "--config", configPath})
	var out bytes.Buffer
	root.SetOut(&out)
	if err := root.Execute(); err != nil {
		t.Fatalf("init Execute() error = %v", err)
	}

	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("config file not created: %v", err)
	}

	content := "storage_directory: " + storageDir + "\n" +
		"channel_count: 2\n" +
		"logging:\n" +
		"  level: INFO\n" +
		"  format: text\n" +
		"  output: stdout\n"
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	root.SetArgs([]string{"status", "--config", configPath})
	if err := root.Execute(); err != nil {
		t.Fatalf("status Execute() error = %v", err)
	}
}

func TestVersionCommand_DoesNotError(t *testing.T) {
	root := GetRootCmd()
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version Execute() error = %v", err)
	}
}
