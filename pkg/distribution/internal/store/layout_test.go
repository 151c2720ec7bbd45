package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLayoutVersion(t *testing.T) {
	t.Run("fresh store", func(t *testing.T) {
		s, err := New(Options{RootPath: filepath.Join(t.TempDir(), "new")})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if v := s.Version(); v != CurrentVersion {
			t.Fatalf("expected version %s, got %s", CurrentVersion, v)
		}
	})

	t.Run("older layout is upgraded", func(t *testing.T) {
		root := t.TempDir()
		if err := os.WriteFile(filepath.Join(root, layoutFile), []byte(`{"version":"1.0.0"}`), 0644); err != nil {
			t.Fatal(err)
		}
		s, err := New(Options{RootPath: root})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if v := s.Version(); v != CurrentVersion {
			t.Fatalf("expected upgraded version %s, got %s", CurrentVersion, v)
		}
	})

	t.Run("2.0 reference locks are removed", func(t *testing.T) {
		root := t.TempDir()
		refs := filepath.Join(root, "huggingface", "org", "repo", refsDir)
		if err := os.MkdirAll(refs, 0755); err != nil {
			t.Fatal(err)
		}
		for name, content := range map[string]string{
			layoutFile:                            `{"version":"2.0.0"}`,
			"huggingface/org/repo/refs/main":      "ref",
			"huggingface/org/repo/refs/main.lock": "",
			"huggingface/org/repo/refs/%odd":      "ref",
		} {
			if err := os.WriteFile(filepath.Join(root, filepath.FromSlash(name)), []byte(content), 0644); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := New(Options{RootPath: root}); err != nil {
			t.Fatalf("New: %v", err)
		}
		if _, err := os.Stat(filepath.Join(refs, "main.lock")); !os.IsNotExist(err) {
			t.Errorf("expected old lock file to be removed, got %v", err)
		}
		if _, err := os.Stat(filepath.Join(refs, "main")); err != nil {
			t.Errorf("expected reference to be kept: %v", err)
		}
		if _, err := os.Stat(filepath.Join(refs, "%%odd")); err != nil {
			t.Errorf("expected reference to be escaped: %v", err)
		}
	})

	t.Run("newer minor is accepted", func(t *testing.T) {
		root := t.TempDir()
		if err := os.WriteFile(filepath.Join(root, layoutFile), []byte(`{"version":"2.7.0"}`), 0644); err != nil {
			t.Fatal(err)
		}
		s, err := New(Options{RootPath: root})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if v := s.Version(); v != "2.7.0" {
			t.Fatalf("expected version to be left alone, got %s", v)
		}
	})

	t.Run("newer major is refused", func(t *testing.T) {
		root := t.TempDir()
		if err := os.WriteFile(filepath.Join(root, layoutFile), []byte(`{"version":"3.0.0"}`), 0644); err != nil {
			t.Fatal(err)
		}
		_, err := New(Options{RootPath: root})
		if err == nil || !strings.Contains(err.Error(), "newer than supported") {
			t.Fatalf("expected newer layout to be refused, got %v", err)
		}
	})

	t.Run("garbage version", func(t *testing.T) {
		root := t.TempDir()
		if err := os.WriteFile(filepath.Join(root, layoutFile), []byte(`{"version":"banana"}`), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := New(Options{RootPath: root}); err == nil {
			t.Fatalf("expected invalid version error")
		}
	})
}
