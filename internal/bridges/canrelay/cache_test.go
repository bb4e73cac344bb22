package canrelay

import "testing"

func TestCacheReplace(t *testing.T) {
	c := NewCache()
	c.Replace([]LightState{{NodeID: 0x15, On: true}, {NodeID: 0x01, On: false}})

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}

	c.Replace([]LightState{{NodeID: 0x81, On: true}})

	if _, known := c.Get(0x15); known {
		t.Error("Replace() kept a stale entry")
	}
	if on, known := c.Get(0x81); !on || !known {
		t.Errorf("Get(0x81) = %v, %v, want true, true", on, known)
	}
}

func TestCacheUpdate(t *testing.T) {
	c := NewCache()
	c.Replace([]LightState{{NodeID: 0x15, On: false}})

	if !c.Update(0x15, true) {
		t.Error("Update() to a new value = false, want true")
	}
	if c.Update(0x15, true) {
		t.Error("Update() with the same value = true, want false")
	}
	if c.Update(0x22, true) {
		t.Error("Update() of unknown node = true, want false")
	}
	if _, known := c.Get(0x22); known {
		t.Error("Update() grew the cache")
	}
}

func TestCacheMerge(t *testing.T) {
	c := NewCache()
	c.Replace([]LightState{
		{NodeID: 0x01, On: true},
		{NodeID: 0x15, On: true},
		{NodeID: 0x81, On: false},
	})

	changed := c.Merge([]LightState{
		{NodeID: 0x01, On: true},
		{NodeID: 0x15, On: false},
		{NodeID: 0x95, On: true},
	})

	want := []LightState{{NodeID: 0x15, On: false}, {NodeID: 0x95, On: true}}
	if len(changed) != len(want) {
		t.Fatalf("Merge() = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Errorf("Merge()[%d] = %v, want %v", i, changed[i], want[i])
		}
	}
	if _, known := c.Get(0x81); !known {
		t.Error("Merge() dropped a node missing from the scan")
	}
}

func TestCacheSnapshotSorted(t *testing.T) {
	c := NewCache()
	c.Replace([]LightState{{NodeID: 0x95}, {NodeID: 0x01}, {NodeID: 0x15}})

	snap := c.Snapshot()
	for i := 1; i < len(snap); i++ {
		if snap[i-1].NodeID > snap[i].NodeID {
			t.Fatalf("Snapshot() not sorted: %v", snap)
		}
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() after Clear() = %d", c.Len())
	}
	if len(snap) != 3 {
		t.Error("Clear() affected an earlier snapshot")
	}
}

func TestLightStateString(t *testing.T) {
	if got := (LightState{NodeID: 0x15, On: true}).String(); got != "0x15=on" {
		t.Errorf("String() = %q", got)
	}
	if got := (LightState{NodeID: 0x81}).String(); got != "0x81=off" {
		t.Errorf("String() = %q", got)
	}
}
