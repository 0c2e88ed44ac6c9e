package registry

import (
	"testing"
	"time"

	"github.com/chaz8081/buzztag/internal/ble"
	"github.com/chaz8081/buzztag/internal/models"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestAdmitRejects(t *testing.T) {
	names := []string{
		"",
		"   ",
		"Bose QC35",
		"AirPods Pro",
		"JBL Flip 5",
		"Galaxy Watch4",
		"Fitbit Charge 5",
		"[TV] Samsung 7 Series",
		"Roku Ultra",
		"MX Master 3",
		"Xbox Wireless Controller",
		"Magic Keyboard",
		"Tesla Model 3",
		"CarPlay",
		"Estimote Beacon",
		"HP OfficeJet 8010",
		"EPSON ET-2750",
		"Oura Ring",
		"Logi POP Keys",
		"Logitech G502",
		"Canon MG3600",
		"Bose-QC45",
		"AA:BB:CC:DD:EE:FF",
		"a1:b2:c3 something",
		"Unknown",
		"Unknown Device",
		"Device_1234",
		"N/A",
	}
	r := New(Options{})
	for _, name := range names {
		p, res := r.Admit(ble.Sighting{ID: "id-" + name, Name: name, RSSI: -50, HasRSSI: true})
		if res != Rejected {
			t.Errorf("Admit(%q) = %v, want rejected", name, res)
		}
		if p.ID != "" {
			t.Errorf("Admit(%q) returned a peer %+v", name, p)
		}
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after rejected sightings, want 0", r.Len())
	}
}

func TestAdmitAccepts(t *testing.T) {
	names := []string{
		"Alice-Phone", "Bob's iPhone", "Pixel 8", "Galaxy S24", "Matvey", "Oscar",
		"Noura's iPhone", "Biologist Pixel", "Canonical Moto G", "Rosebose",
	}
	r := New(Options{})
	for i, name := range names {
		_, res := r.Admit(ble.Sighting{ID: string(rune('a' + i)), Name: name})
		if res != Added {
			t.Errorf("Admit(%q) = %v, want added", name, res)
		}
	}
	if r.Len() != len(names) {
		t.Errorf("Len() = %d, want %d", r.Len(), len(names))
	}
}

func TestAdmitScenarioAlice(t *testing.T) {
	r := New(Options{})
	p, res := r.Admit(ble.Sighting{ID: "p1", Name: "Alice-Phone", RSSI: -55, HasRSSI: true})
	if res != Added {
		t.Fatalf("Admit() = %v, want new", res)
	}
	if p.Signal() != models.SignalExcellent {
		t.Errorf("Signal() = %q, want Excellent", p.Signal())
	}

	_, res = r.Admit(ble.Sighting{ID: "p2", Name: "Bose QC35", RSSI: -40, HasRSSI: true})
	if res != Rejected {
		t.Errorf("Bose QC35 admit = %v, want rejected", res)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestAdmitKnownUpdatesSignalOnly(t *testing.T) {
	r := New(Options{Now: fixedClock()})
	first, res := r.Admit(ble.Sighting{ID: "p1", Name: "Alice-Phone", RSSI: -75, HasRSSI: true})
	if res != Added {
		t.Fatalf("first Admit() = %v", res)
	}

	again, res := r.Admit(ble.Sighting{ID: "p1", Name: "Renamed Phone", RSSI: -50, HasRSSI: true})
	if res != Known {
		t.Fatalf("second Admit() = %v, want known", res)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	if again.DisplayName != "Alice-Phone" {
		t.Errorf("DisplayName = %q, identity should not change", again.DisplayName)
	}
	if !again.FirstSeenAt.Equal(first.FirstSeenAt) {
		t.Errorf("FirstSeenAt changed from %v to %v", first.FirstSeenAt, again.FirstSeenAt)
	}
	if again.RSSI != -50 {
		t.Errorf("RSSI = %d, want -50", again.RSSI)
	}

	// A sighting without RSSI keeps the last value.
	again, _ = r.Admit(ble.Sighting{ID: "p1", Name: "Alice-Phone"})
	if again.RSSI != -50 || !again.HasRSSI {
		t.Errorf("RSSI after sighting without signal = %d/%v", again.RSSI, again.HasRSSI)
	}
}

func TestAdmitExtraDenylist(t *testing.T) {
	r := New(Options{ExtraDenylist: []string{"Kiosk"}})
	if _, res := r.Admit(ble.Sighting{ID: "k", Name: "Lobby KIOSK 2"}); res != Rejected {
		t.Errorf("Admit() = %v, want rejected by extra denylist", res)
	}
}

func TestListFirstSeenOrder(t *testing.T) {
	r := New(Options{Now: fixedClock()})
	for _, id := range []string{"c", "a", "b"} {
		r.Admit(ble.Sighting{ID: id, Name: "Phone " + id})
	}
	r.Admit(ble.Sighting{ID: "a", Name: "Phone a", RSSI: -40, HasRSSI: true})

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("List() len = %d", len(list))
	}
	for i, want := range []string{"c", "a", "b"} {
		if list[i].ID != want {
			t.Errorf("List()[%d] = %s, want %s", i, list[i].ID, want)
		}
	}
}

func TestRemoveCallsTeardown(t *testing.T) {
	r := New(Options{})
	r.Admit(ble.Sighting{ID: "p1", Name: "Alice-Phone"})
	r.Admit(ble.Sighting{ID: "p2", Name: "Bob-Phone"})

	var torn []string
	r.SetTeardown(func(id string) { torn = append(torn, id) })

	if !r.Remove("p1") {
		t.Fatal("Remove(p1) = false")
	}
	if r.Remove("p1") {
		t.Error("second Remove(p1) = true")
	}
	if len(torn) != 1 || torn[0] != "p1" {
		t.Errorf("teardown calls = %v, want [p1]", torn)
	}
	if _, ok := r.Get("p1"); ok {
		t.Error("p1 still present after Remove")
	}
	if list := r.List(); len(list) != 1 || list[0].ID != "p2" {
		t.Errorf("List() after Remove = %+v", list)
	}
}

func TestMarkVerifiedAndDisplayName(t *testing.T) {
	r := New(Options{})
	r.Admit(ble.Sighting{ID: "p1", Name: "Alice-Phone"})

	r.MarkVerified("p1", true)
	r.MarkVerified("p1", false)
	p, _ := r.Get("p1")
	if !p.Verified {
		t.Error("Verified should stay true once confirmed")
	}

	r.SetDisplayName("p1", "  alice ")
	r.SetDisplayName("p1", "")
	p, _ = r.Get("p1")
	if p.DisplayName != "alice" {
		t.Errorf("DisplayName = %q, want alice", p.DisplayName)
	}
	r.MarkVerified("missing", true)
}

func TestSerializeRoundTrip(t *testing.T) {
	src := New(Options{Now: fixedClock()})
	src.Admit(ble.Sighting{ID: "p1", Name: "Alice-Phone", RSSI: -55, HasRSSI: true})
	src.Admit(ble.Sighting{ID: "p2", Name: "Bob-Phone"})
	src.MarkVerified("p2", true)

	data, err := src.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	dst := New(Options{})
	dst.Admit(ble.Sighting{ID: "stale", Name: "Old-Phone"})
	if err := dst.Deserialize(data); err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}

	if dst.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", dst.Len())
	}
	for _, want := range src.List() {
		got, ok := dst.Get(want.ID)
		if !ok {
			t.Fatalf("peer %s missing after round trip", want.ID)
		}
		if got.DisplayName != want.DisplayName || got.RSSI != want.RSSI ||
			got.HasRSSI != want.HasRSSI || got.Verified != want.Verified ||
			!got.FirstSeenAt.Equal(want.FirstSeenAt) {
			t.Errorf("peer %s = %+v, want %+v", want.ID, got, want)
		}
	}

	if err := dst.Deserialize([]byte("{bad")); err == nil {
		t.Error("Deserialize of garbage should fail")
	}
}

func TestRestoreSkipsDuplicatesAndBlankIDs(t *testing.T) {
	r := New(Options{})
	now := time.Now()
	r.Restore([]models.PeerDevice{
		{ID: "b", DisplayName: "B", FirstSeenAt: now.Add(time.Minute)},
		{ID: "", DisplayName: "blank"},
		{ID: "a", DisplayName: "A", FirstSeenAt: now},
		{ID: "a", DisplayName: "A again", FirstSeenAt: now.Add(time.Hour)},
	})
	list := r.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Errorf("List() = %+v", list)
	}
	if list[0].DisplayName != "A" {
		t.Errorf("duplicate overwrote the first record: %+v", list[0])
	}
}

func TestContainsWord(t *testing.T) {
	tests := []struct {
		s, w string
		want bool
	}{
		{" oura ring ", "oura", true},
		{" noura's iphone ", "oura", false},
		{" bose-qc45 ", "bose", true},
		{" rosebose ", "bose", false},
		{" canonical ", "canon", false},
		{" canon canonical ", "canon", true},
		{" jbl2 ", "jbl", true},
		{"", "jbl", false},
	}
	for _, tt := range tests {
		if got := containsWord(tt.s, tt.w); got != tt.want {
			t.Errorf("containsWord(%q, %q) = %v, want %v", tt.s, tt.w, got, tt.want)
		}
	}
}

func TestAdmitResultString(t *testing.T) {
	if Added.String() != "added" || Known.String() != "known" || Rejected.String() != "rejected" {
		t.Error("AdmitResult.String() mismatch")
	}
}
