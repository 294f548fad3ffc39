package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kaelmon/leakmon/internal/metrics"
)

type fakeSource struct {
	snaps []metrics.Snapshot
	calls int
}

func (f *fakeSource) Metrics() metrics.Snapshot {
	i := f.calls
	if i >= len(f.snaps) {
		i = len(f.snaps) - 1
	}
	f.calls++
	return f.snaps[i]
}

func tickAt(sec int64) tea.Msg {
	return tickMsg(time.Unix(sec, 0))
}

func TestTickPullsSnapshotAndReschedules(t *testing.T) {
	src := &fakeSource{snaps: []metrics.Snapshot{{AllocationEvents: 3}}}
	m := NewModel(src, 4120)

	next, cmd := m.Update(tickAt(1))
	if cmd == nil {
		t.Fatal("expected a rescheduled tick command")
	}
	got := next.(Model)
	if got.snap.AllocationEvents != 3 {
		t.Errorf("snapshot not pulled: %+v", got.snap)
	}
}

func TestAllocRateIsDeltaBetweenTicks(t *testing.T) {
	src := &fakeSource{snaps: []metrics.Snapshot{
		{AllocationEvents: 10},
		{AllocationEvents: 25},
	}}
	m := NewModel(src, 4120)

	next, _ := m.Update(tickAt(1))
	next, _ = next.(Model).Update(tickAt(2))
	got := next.(Model)

	if rate := got.allocsPerTick(); rate != 15 {
		t.Errorf("allocsPerTick() = %d, want 15", rate)
	}
}

func TestFirstTickReportsZeroRate(t *testing.T) {
	src := &fakeSource{snaps: []metrics.Snapshot{{AllocationEvents: 100}}}
	m := NewModel(src, 4120)

	next, _ := m.Update(tickAt(1))
	if rate := next.(Model).allocsPerTick(); rate != 0 {
		t.Errorf("first tick should have no rate baseline, got %d", rate)
	}
}

func TestQuitKeys(t *testing.T) {
	m := NewModel(&fakeSource{snaps: []metrics.Snapshot{{}}}, 1)
	for _, k := range []string{"q", "ctrl+c"} {
		var msg tea.KeyMsg
		if k == "q" {
			msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}}
		} else {
			msg = tea.KeyMsg{Type: tea.KeyCtrlC}
		}
		_, cmd := m.Update(msg)
		if cmd == nil {
			t.Fatalf("expected quit command for %q", k)
		}
	}
}

func TestViewShowsCountersAndPid(t *testing.T) {
	src := &fakeSource{snaps: []metrics.Snapshot{{
		AllocationEvents:   7,
		DeallocationEvents: 4,
		AllocatedBytes:     2048,
		DroppedEvents:      1,
	}}}
	m := NewModel(src, 4120)
	next, _ := m.Update(tickAt(1))

	view := next.(Model).View()
	for _, want := range []string{"pid 4120", "allocations", "frees", "2.00 KiB", "dropped events", "alloc/s"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   uint64
		want string
	}{
		{512, "512 B"},
		{2048, "2.00 KiB"},
		{3 << 20, "3.00 MiB"},
		{5 << 30, "5.00 GiB"},
	}
	for _, c := range cases {
		if got := formatBytes(c.in); got != c.want {
			t.Errorf("formatBytes(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}
