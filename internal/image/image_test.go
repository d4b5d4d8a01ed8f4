package image

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// writeImage creates an image file plus sidecar manifest in dir and returns
// the image path. Pass an empty sha to have the correct checksum filled in.
func writeImage(t *testing.T, dir, name string, version int64, verity bool, sha string) string {
	t.Helper()

	content := []byte("image-payload-" + name)
	imgPath := filepath.Join(dir, name+".img")
	if err := os.WriteFile(imgPath, content, 0644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	if sha == "" {
		sum := sha256.Sum256(content)
		sha = hex.EncodeToString(sum[:])
	}

	m := map[string]interface{}{
		"name":            name,
		"version":         version,
		"sha256":          sha,
		"requires_verity": verity,
	}
	if verity {
		m["root_hash"] = "deadbeef"
		m["image_size"] = len(content)
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".json"), data, 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return imgPath
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	path := writeImage(t, dir, "com.example.pkg", 3, true, "")

	img, err := ManifestVerifier{}.Verify(path)
	if err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}

	if img.Name != "com.example.pkg" {
		t.Errorf("Name = %s, want com.example.pkg", img.Name)
	}
	if img.Version != 3 {
		t.Errorf("Version = %d, want 3", img.Version)
	}
	if !img.RequiresVerity {
		t.Error("RequiresVerity should be true")
	}
	if img.RootHash != "deadbeef" {
		t.Errorf("RootHash = %s, want deadbeef", img.RootHash)
	}
	if img.ID() != "com.example.pkg@3" {
		t.Errorf("ID() = %s, want com.example.pkg@3", img.ID())
	}
	if !filepath.IsAbs(img.Path) {
		t.Errorf("Path %s should be absolute", img.Path)
	}
}

func TestVerifyChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeImage(t, dir, "com.example.bad", 1, false,
		"0000000000000000000000000000000000000000000000000000000000000000")

	_, err := ManifestVerifier{}.Verify(path)
	if !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("Verify() error = %v, want ErrVerificationFailed", err)
	}
}

func TestVerifyMissingManifest(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "orphan.img")
	if err := os.WriteFile(imgPath, []byte("data"), 0644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	_, err := ManifestVerifier{}.Verify(imgPath)
	if !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("Verify() error = %v, want ErrVerificationFailed", err)
	}
}

func TestVerifyVerityWithoutRootHash(t *testing.T) {
	dir := t.TempDir()

	content := []byte("payload")
	imgPath := filepath.Join(dir, "com.noroot.img")
	if err := os.WriteFile(imgPath, content, 0644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	sum := sha256.Sum256(content)
	data, _ := json.Marshal(map[string]interface{}{
		"name":            "com.noroot",
		"version":         1,
		"sha256":          hex.EncodeToString(sum[:]),
		"requires_verity": true,
	})
	if err := os.WriteFile(filepath.Join(dir, "com.noroot.json"), data, 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	_, err := ManifestVerifier{}.Verify(imgPath)
	if !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("Verify() error = %v, want ErrVerificationFailed", err)
	}
}

func TestFindImages(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "com.b", 1, false, "")
	writeImage(t, dir, "com.a", 1, false, "")
	if err := os.Mkdir(filepath.Join(dir, "sub.img"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	paths, err := FindImages(dir)
	if err != nil {
		t.Fatalf("FindImages() failed: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("FindImages() returned %d paths, want 2", len(paths))
	}
	if filepath.Base(paths[0]) != "com.a.img" || filepath.Base(paths[1]) != "com.b.img" {
		t.Errorf("FindImages() = %v, want sorted [com.a.img com.b.img]", paths)
	}
}

func TestFindImagesMissingDir(t *testing.T) {
	paths, err := FindImages(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("FindImages() on missing dir failed: %v", err)
	}
	if len(paths) != 0 {
		t.Errorf("FindImages() = %v, want empty", paths)
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		id      string
		name    string
		version int64
		ok      bool
	}{
		{"com.a@2", "com.a", 2, true},
		{"com.a", "com.a", 0, false},
		{"com.a@x", "com.a", -1, false},
		{"com.a@-1", "com.a", -1, false},
		{"com.a@", "com.a", -1, false},
	}

	for _, tt := range tests {
		name, version, ok := ParseID(tt.id)
		if name != tt.name || version != tt.version || ok != tt.ok {
			t.Errorf("ParseID(%q) = (%s, %d, %v), want (%s, %d, %v)",
				tt.id, name, version, ok, tt.name, tt.version, tt.ok)
		}
	}
}
