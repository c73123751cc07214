package registry

import (
	"testing"
	"time"

	"github.com/KorszunKarol/go-distort/internal/frame"
)

func TestRegistry_FirstRegistrantIsPrimary(t *testing.T) {
	r := New()
	a, primaryA := r.AddWorker(frame.ClassText, "127.0.0.1", "9001")
	b, primaryB := r.AddWorker(frame.ClassText, "127.0.0.1", "9002")
	m, primaryM := r.AddWorker(frame.ClassMedia, "127.0.0.1", "9003")

	if !primaryA || !a.IsPrimary() {
		t.Fatal("first Text registrant should be primary")
	}
	if primaryB || b.IsPrimary() {
		t.Fatal("second Text registrant should be secondary")
	}
	if !primaryM || !m.IsPrimary() {
		t.Fatal("first Media registrant should be primary")
	}
}

func TestRegistry_SinglePrimaryPerClass(t *testing.T) {
	r := New()
	var workers []*Worker
	for i := 0; i < 5; i++ {
		w, _ := r.AddWorker(frame.ClassText, "127.0.0.1", "900"+string(rune('0'+i)))
		workers = append(workers, w)
	}
	// Remove workers one by one; exactly one primary must remain while any exist.
	for len(workers) > 0 {
		primaries := 0
		for _, w := range r.Workers() {
			if w.IsPrimary() {
				primaries++
			}
		}
		if primaries != 1 {
			t.Fatalf("%d primaries with %d workers", primaries, len(workers))
		}
		r.RemoveWorker(workers[0])
		workers = workers[1:]
	}
	if n, _ := r.Counts(); n != 0 {
		t.Fatalf("expected empty table, got %d", n)
	}
}

func TestRegistry_PromotionFollowsRegistrationOrder(t *testing.T) {
	r := New()
	a, _ := r.AddWorker(frame.ClassText, "127.0.0.1", "9001")
	b, _ := r.AddWorker(frame.ClassText, "127.0.0.1", "9002")
	c, _ := r.AddWorker(frame.ClassText, "127.0.0.1", "9003")

	promoted := r.RemoveWorker(a)
	if promoted != b {
		t.Fatal("expected the earliest secondary to be promoted")
	}
	if !b.IsPrimary() || c.IsPrimary() {
		t.Fatal("promotion state wrong")
	}
	if r.RemoveWorker(c) != nil {
		t.Fatal("removing a secondary must not promote anyone")
	}
}

func TestRegistry_BusyDiscipline(t *testing.T) {
	r := New()
	w, _ := r.AddWorker(frame.ClassText, "127.0.0.1", "9001")
	cl1 := r.AddClient("karol")
	cl2 := r.AddClient("joker")

	got := r.Pick(cl1, frame.ClassText)
	if got != w || !w.IsBusy() {
		t.Fatal("pick should return the free primary and mark it busy")
	}
	if cl1.CurrentWorker() != w {
		t.Fatal("pick should record the client's current worker")
	}
	if r.Pick(cl2, frame.ClassText) != nil {
		t.Fatal("busy primary must not be dispatched twice")
	}
	r.Free(w)
	if w.IsBusy() || cl1.CurrentWorker() != nil {
		t.Fatal("free should clear busy and detach the client")
	}
	if r.Pick(cl2, frame.ClassText) != w {
		t.Fatal("freed worker should be dispatchable again")
	}
}

func TestRegistry_SecondaryNeverDispatched(t *testing.T) {
	r := New()
	_, _ = r.AddWorker(frame.ClassText, "127.0.0.1", "9001")
	b, _ := r.AddWorker(frame.ClassText, "127.0.0.1", "9002")
	cl := r.AddClient("karol")

	first := r.Pick(cl, frame.ClassText)
	if first == b {
		t.Fatal("secondary dispatched while primary free")
	}
	// Primary busy, secondary present: nothing dispatchable.
	if r.Pick(cl, frame.ClassText) != nil {
		t.Fatal("secondary dispatched while primary busy")
	}
}

func TestRegistry_ResumePickExcludesDeadWorker(t *testing.T) {
	r := New()
	a, _ := r.AddWorker(frame.ClassText, "127.0.0.1", "9001")
	b, _ := r.AddWorker(frame.ClassText, "127.0.0.1", "9002")
	cl := r.AddClient("karol")

	if r.Pick(cl, frame.ClassText) != a {
		t.Fatal("expected primary dispatch")
	}
	picked, dead, promoted := r.ResumePick(cl, frame.ClassText)
	if dead != a {
		t.Fatal("resume should evict the current worker")
	}
	if promoted != b {
		t.Fatal("resume eviction of the primary should promote the secondary")
	}
	if picked != b || !b.IsBusy() {
		t.Fatal("resume should dispatch the promoted secondary")
	}
	select {
	case <-a.Closed:
	default:
		t.Fatal("dead worker should be closed")
	}
}

func TestRegistry_ResumePickWithNoSurvivor(t *testing.T) {
	r := New()
	a, _ := r.AddWorker(frame.ClassText, "127.0.0.1", "9001")
	cl := r.AddClient("karol")
	if r.Pick(cl, frame.ClassText) != a {
		t.Fatal("expected dispatch")
	}
	picked, dead, promoted := r.ResumePick(cl, frame.ClassText)
	if picked != nil || dead != a || promoted != nil {
		t.Fatal("resume with no survivor should yield nothing")
	}
}

func TestRegistry_StaleScan(t *testing.T) {
	r := New()
	w, _ := r.AddWorker(frame.ClassText, "127.0.0.1", "9001")
	cl := r.AddClient("karol")

	ws, cs := r.Stale(time.Hour)
	if len(ws) != 0 || len(cs) != 0 {
		t.Fatal("fresh peers flagged stale")
	}
	time.Sleep(5 * time.Millisecond)
	ws, cs = r.Stale(time.Millisecond)
	if len(ws) != 1 || ws[0] != w || len(cs) != 1 || cs[0] != cl {
		t.Fatal("silent peers not flagged")
	}
	w.Touch()
	ws, _ = r.Stale(time.Millisecond)
	if len(ws) != 0 {
		t.Fatal("touched worker still flagged")
	}
}

func TestPeer_EnqueueDoesNotBlock(t *testing.T) {
	r := New()
	r.OutBufSize = 2
	w, _ := r.AddWorker(frame.ClassText, "127.0.0.1", "9001")
	for i := 0; i < 10; i++ {
		w.Enqueue(frame.New(frame.TypeNewMain, nil))
	}
	if len(w.Out) != 2 {
		t.Fatalf("queue len %d, want 2", len(w.Out))
	}
}

func TestRegistry_RemoveClientIdempotent(t *testing.T) {
	r := New()
	cl := r.AddClient("karol")
	r.RemoveClient(cl)
	r.RemoveClient(cl)
	if _, n := r.Counts(); n != 0 {
		t.Fatalf("client count %d, want 0", n)
	}
}
