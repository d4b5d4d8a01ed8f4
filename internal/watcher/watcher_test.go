package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackwell-systems/pkgd/internal/image"
	"github.com/blackwell-systems/pkgd/internal/mountdb"
)

type nameVerifier struct {
	reject map[string]bool
}

func (v *nameVerifier) Verify(path string) (*image.PackageImage, error) {
	if v.reject[path] {
		return nil, fmt.Errorf("%w: %s", image.ErrVerificationFailed, path)
	}
	id := strings.TrimSuffix(filepath.Base(path), image.ImageSuffix)
	name, version, ok := image.ParseID(id)
	if !ok {
		return nil, fmt.Errorf("%w: bad name %s", image.ErrVerificationFailed, path)
	}
	return &image.PackageImage{Name: name, Version: version, Path: path}, nil
}

type recordingRemounter struct {
	mu    sync.Mutex
	db    *mountdb.DB
	calls []string
	done  chan string
}

func newRecordingRemounter(db *mountdb.DB) *recordingRemounter {
	return &recordingRemounter{db: db, done: make(chan string, 16)}
}

func (r *recordingRemounter) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *recordingRemounter) MountPoint(id string) string {
	return "/pkgroot/" + id
}

func (r *recordingRemounter) Activate(img *image.PackageImage) error {
	r.record("activate " + img.ID())
	r.db.Add(img.Name, false, mountdb.Record{
		BackingFile: img.Path,
		MountPoint:  r.MountPoint(img.ID()),
	})
	return nil
}

func (r *recordingRemounter) PublishActive(name, mountPoint string) error {
	r.record("publish " + name)
	r.done <- name
	return nil
}

func (r *recordingRemounter) Deactivate(mountPoint string) error {
	r.record("deactivate " + mountPoint)
	r.db.Remove(mountPoint)
	return nil
}

func startWatcher(t *testing.T, dir string, verifier image.Verifier, db *mountdb.DB) *recordingRemounter {
	t.Helper()
	remounter := newRecordingRemounter(db)
	w, err := New([]string{dir}, verifier, remounter, db, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	w.debounce = 20 * time.Millisecond

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(w.Stop)
	return remounter
}

func waitForPublish(t *testing.T, r *recordingRemounter, pkg string) {
	t.Helper()
	select {
	case name := <-r.done:
		if name != pkg {
			t.Fatalf("published %s, want %s", name, pkg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s to be published", pkg)
	}
}

func TestRemountOnNewImage(t *testing.T) {
	dir := t.TempDir()
	db := mountdb.New()
	remounter := startWatcher(t, dir, &nameVerifier{}, db)

	path := filepath.Join(dir, "com.a@2.img")
	if err := os.WriteFile(path, []byte("image"), 0644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	waitForPublish(t, remounter, "com.a")

	remounter.mu.Lock()
	defer remounter.mu.Unlock()
	want := []string{"activate com.a@2", "publish com.a"}
	if len(remounter.calls) != 2 || remounter.calls[0] != want[0] || remounter.calls[1] != want[1] {
		t.Errorf("calls = %v, want %v", remounter.calls, want)
	}
}

func TestRemountReplacesStaleInstance(t *testing.T) {
	dir := t.TempDir()
	db := mountdb.New()
	path := filepath.Join(dir, "com.a@2.img")
	db.Add("com.a", true, mountdb.Record{
		BackingFile: path,
		MountPoint:  "/pkgroot/com.a@2",
	})
	remounter := startWatcher(t, dir, &nameVerifier{}, db)

	if err := os.WriteFile(path, []byte("new content"), 0644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	waitForPublish(t, remounter, "com.a")

	remounter.mu.Lock()
	defer remounter.mu.Unlock()
	want := []string{"deactivate /pkgroot/com.a@2", "activate com.a@2", "publish com.a"}
	if len(remounter.calls) != 3 {
		t.Fatalf("calls = %v, want %v", remounter.calls, want)
	}
	for i := range want {
		if remounter.calls[i] != want[i] {
			t.Errorf("calls[%d] = %s, want %s", i, remounter.calls[i], want[i])
		}
	}
}

func TestIgnoresNonImageFiles(t *testing.T) {
	dir := t.TempDir()
	db := mountdb.New()
	remounter := startWatcher(t, dir, &nameVerifier{}, db)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	select {
	case <-remounter.done:
		t.Fatal("non-image file should not trigger a remount")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRejectedImageIsNotRemounted(t *testing.T) {
	dir := t.TempDir()
	db := mountdb.New()
	path := filepath.Join(dir, "com.bad@1.img")
	verifier := &nameVerifier{reject: map[string]bool{path: true}}
	remounter := startWatcher(t, dir, verifier, db)

	if err := os.WriteFile(path, []byte("image"), 0644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	select {
	case <-remounter.done:
		t.Fatal("rejected image should not be published")
	case <-time.After(200 * time.Millisecond):
	}
	remounter.mu.Lock()
	defer remounter.mu.Unlock()
	if len(remounter.calls) != 0 {
		t.Errorf("calls = %v, want none", remounter.calls)
	}
}
