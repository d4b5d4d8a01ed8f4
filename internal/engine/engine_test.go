package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/blackwell-systems/pkgd/internal/image"
	"github.com/blackwell-systems/pkgd/internal/mountdb"
)

// fakeProvider hands out sequential loop devices and records every device
// operation in order.
type fakeProvider struct {
	next       int
	attached   map[string]string // device -> backing file
	verity     map[string]bool
	ops        []string
	failVerity bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		attached: make(map[string]string),
		verity:   make(map[string]bool),
	}
}

func (p *fakeProvider) AttachLoop(path string) (string, error) {
	dev := fmt.Sprintf("/dev/loop%d", p.next)
	p.next++
	p.attached[dev] = path
	p.ops = append(p.ops, "attach "+dev)
	return dev, nil
}

func (p *fakeProvider) DetachLoop(dev string) error {
	delete(p.attached, dev)
	p.ops = append(p.ops, "detach "+dev)
	return nil
}

func (p *fakeProvider) CreateVerity(name, loopDev string, img *image.PackageImage) (string, error) {
	if p.failVerity {
		return "", errors.New("verity table rejected")
	}
	p.verity[name] = true
	p.ops = append(p.ops, "verity-create "+name)
	return "/dev/mapper/" + name, nil
}

func (p *fakeProvider) RemoveVerity(name string) error {
	delete(p.verity, name)
	p.ops = append(p.ops, "verity-remove "+name)
	return nil
}

// fakeMounter tracks mounted targets and the canonical bind targets.
type fakeMounter struct {
	mounted   map[string]string // target -> source
	binds     map[string]string // target -> source
	ops       []string
	failMount bool
	busy      map[string]bool
}

func newFakeMounter() *fakeMounter {
	return &fakeMounter{
		mounted: make(map[string]string),
		binds:   make(map[string]string),
		busy:    make(map[string]bool),
	}
}

func (m *fakeMounter) Mount(dev, target string) error {
	if m.failMount {
		return errors.New("mount rejected")
	}
	m.mounted[target] = dev
	m.ops = append(m.ops, "mount "+target)
	return nil
}

func (m *fakeMounter) BindMount(src, target string) error {
	m.binds[target] = src
	m.ops = append(m.ops, "bind "+target)
	return nil
}

func (m *fakeMounter) Unmount(target string) error {
	if m.busy[target] {
		return fmt.Errorf("%w: unmount %s", ErrBusyResource, target)
	}
	delete(m.mounted, target)
	m.ops = append(m.ops, "unmount "+target)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *mountdb.DB, *fakeProvider, *fakeMounter) {
	t.Helper()
	db := mountdb.New()
	p := newFakeProvider()
	m := newFakeMounter()
	e := New(db, p, m, t.TempDir(), zerolog.Nop())
	return e, db, p, m
}

func testImage(name string, version int64, verity bool) *image.PackageImage {
	return &image.PackageImage{
		Name:           name,
		Version:        version,
		Path:           fmt.Sprintf("/data/%s@%d.img", name, version),
		RequiresVerity: verity,
		RootHash:       "abc123",
		ImageSize:      4096 * 8,
	}
}

func TestActivatePlainImage(t *testing.T) {
	e, db, p, m := newTestEngine(t)
	img := testImage("com.a", 1, false)

	if err := e.Activate(img); err != nil {
		t.Fatalf("Activate() failed: %v", err)
	}

	mountPoint := e.MountPoint("com.a@1")
	if m.mounted[mountPoint] != "/dev/loop0" {
		t.Errorf("mounted %s from %s, want /dev/loop0", mountPoint, m.mounted[mountPoint])
	}
	if len(p.verity) != 0 {
		t.Error("plain image should not create a verity mapping")
	}

	recs := db.RecordsFor("com.a")
	if len(recs) != 1 {
		t.Fatalf("RecordsFor() returned %d records, want 1", len(recs))
	}
	if recs[0].BackingFile != img.Path {
		t.Errorf("BackingFile = %s, want %s", recs[0].BackingFile, img.Path)
	}
	if _, ok := db.ActiveFor("com.a"); ok {
		t.Error("instance should not be active before PublishActive")
	}
}

func TestActivateVerityImage(t *testing.T) {
	e, db, p, m := newTestEngine(t)
	img := testImage("com.v", 2, true)

	if err := e.Activate(img); err != nil {
		t.Fatalf("Activate() failed: %v", err)
	}

	if !p.verity["com.v@2"] {
		t.Error("verity mapping com.v@2 should exist")
	}
	mountPoint := e.MountPoint("com.v@2")
	if m.mounted[mountPoint] != "/dev/mapper/com.v@2" {
		t.Errorf("mounted from %s, want /dev/mapper/com.v@2", m.mounted[mountPoint])
	}
	recs := db.RecordsFor("com.v")
	if len(recs) != 1 || recs[0].MapperName != "com.v@2" {
		t.Errorf("record = %+v, want MapperName com.v@2", recs)
	}
}

func TestActivateIdempotent(t *testing.T) {
	e, db, p, _ := newTestEngine(t)
	img := testImage("com.a", 1, false)

	if err := e.Activate(img); err != nil {
		t.Fatalf("first Activate() failed: %v", err)
	}
	if err := e.Activate(img); err != nil {
		t.Fatalf("second Activate() failed: %v", err)
	}

	if p.next != 1 {
		t.Errorf("attached %d loop devices, want 1", p.next)
	}
	if len(db.RecordsFor("com.a")) != 1 {
		t.Errorf("got %d records, want 1", len(db.RecordsFor("com.a")))
	}
}

func TestActivateVerityFailureDetachesLoop(t *testing.T) {
	e, db, p, _ := newTestEngine(t)
	p.failVerity = true

	err := e.Activate(testImage("com.v", 1, true))
	if err == nil {
		t.Fatal("Activate() should fail when the verity mapping fails")
	}
	if len(p.attached) != 0 {
		t.Error("loop device should be detached after verity failure")
	}
	if len(db.RecordsFor("com.v")) != 0 {
		t.Error("no record should exist after a failed activation")
	}
}

func TestActivateMountFailureTearsDownDevices(t *testing.T) {
	e, db, p, m := newTestEngine(t)
	m.failMount = true

	err := e.Activate(testImage("com.v", 1, true))
	if err == nil {
		t.Fatal("Activate() should fail when the mount fails")
	}
	if len(p.verity) != 0 {
		t.Error("verity mapping should be removed after mount failure")
	}
	if len(p.attached) != 0 {
		t.Error("loop device should be detached after mount failure")
	}
	if len(db.RecordsFor("com.v")) != 0 {
		t.Error("no record should exist after a failed activation")
	}
}

func TestPublishActive(t *testing.T) {
	e, db, _, m := newTestEngine(t)
	img := testImage("com.a", 1, false)
	if err := e.Activate(img); err != nil {
		t.Fatalf("Activate() failed: %v", err)
	}

	mountPoint := e.MountPoint("com.a@1")
	if err := e.PublishActive("com.a", mountPoint); err != nil {
		t.Fatalf("PublishActive() failed: %v", err)
	}

	if m.binds[e.CanonicalPath("com.a")] != mountPoint {
		t.Errorf("canonical path bound to %s, want %s", m.binds[e.CanonicalPath("com.a")], mountPoint)
	}
	active, ok := db.ActiveFor("com.a")
	if !ok || active.MountPoint != mountPoint {
		t.Errorf("active = %+v (ok=%v), want mount %s", active, ok, mountPoint)
	}
}

func TestPublishActiveUnknownMount(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	if err := e.PublishActive("com.a", "/nonexistent"); err == nil {
		t.Error("PublishActive() should fail for an unmounted instance")
	}
}

func TestPublishActiveSwapKeepsSingleActive(t *testing.T) {
	e, db, _, _ := newTestEngine(t)
	v1 := testImage("com.a", 1, false)
	v2 := testImage("com.a", 2, false)
	for _, img := range []*image.PackageImage{v1, v2} {
		if err := e.Activate(img); err != nil {
			t.Fatalf("Activate(%s) failed: %v", img.ID(), err)
		}
	}

	if err := e.PublishActive("com.a", e.MountPoint("com.a@1")); err != nil {
		t.Fatalf("PublishActive(v1) failed: %v", err)
	}
	if err := e.PublishActive("com.a", e.MountPoint("com.a@2")); err != nil {
		t.Fatalf("PublishActive(v2) failed: %v", err)
	}

	count := 0
	db.ForAll(func(name string, rec mountdb.Record, active bool) {
		if active {
			count++
		}
	})
	if count != 1 {
		t.Errorf("found %d active records, want 1", count)
	}
	active, _ := db.ActiveFor("com.a")
	if active.BackingFile != v2.Path {
		t.Errorf("active backing = %s, want %s", active.BackingFile, v2.Path)
	}
}

func TestDeactivateTeardownOrder(t *testing.T) {
	e, db, p, m := newTestEngine(t)
	img := testImage("com.v", 1, true)
	if err := e.Activate(img); err != nil {
		t.Fatalf("Activate() failed: %v", err)
	}

	mountPoint := e.MountPoint("com.v@1")
	p.ops = nil
	m.ops = nil
	if err := e.Deactivate(mountPoint); err != nil {
		t.Fatalf("Deactivate() failed: %v", err)
	}

	wantMounter := []string{"unmount " + mountPoint}
	wantProvider := []string{"verity-remove com.v@1", "detach /dev/loop0"}
	if len(m.ops) != 1 || m.ops[0] != wantMounter[0] {
		t.Errorf("mounter ops = %v, want %v", m.ops, wantMounter)
	}
	if len(p.ops) != 2 || p.ops[0] != wantProvider[0] || p.ops[1] != wantProvider[1] {
		t.Errorf("provider ops = %v, want %v", p.ops, wantProvider)
	}
	if len(db.RecordsFor("com.v")) != 0 {
		t.Error("record should be removed after deactivation")
	}
}

func TestDeactivateBusyMountKeepsInstance(t *testing.T) {
	e, db, p, m := newTestEngine(t)
	img := testImage("com.a", 1, false)
	if err := e.Activate(img); err != nil {
		t.Fatalf("Activate() failed: %v", err)
	}

	mountPoint := e.MountPoint("com.a@1")
	m.busy[mountPoint] = true

	err := e.Deactivate(mountPoint)
	if !errors.Is(err, ErrBusyResource) {
		t.Fatalf("Deactivate() error = %v, want ErrBusyResource", err)
	}
	if len(db.RecordsFor("com.a")) != 1 {
		t.Error("record should survive a busy unmount")
	}
	if len(p.attached) != 1 {
		t.Error("loop device should survive a busy unmount")
	}
}

func TestDeactivateUnknownMount(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	if err := e.Deactivate("/pkg/com.x@1"); err == nil {
		t.Error("Deactivate() should fail for an unknown mount point")
	}
}

func TestActivePackages(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	for _, img := range []*image.PackageImage{
		testImage("com.a", 1, false),
		testImage("com.b", 3, false),
	} {
		if err := e.Activate(img); err != nil {
			t.Fatalf("Activate(%s) failed: %v", img.ID(), err)
		}
		if err := e.PublishActive(img.Name, e.MountPoint(img.ID())); err != nil {
			t.Fatalf("PublishActive(%s) failed: %v", img.ID(), err)
		}
	}

	ids := e.ActivePackages()
	if len(ids) != 2 {
		t.Fatalf("ActivePackages() returned %d ids, want 2", len(ids))
	}
	want := map[string]bool{"com.a@1": true, "com.b@3": true}
	for _, id := range ids {
		if !want[id] {
			t.Errorf("unexpected active id %s", id)
		}
	}
}
