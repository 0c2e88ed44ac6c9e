// Package registry keeps the set of discovered peers. It turns raw scan
// sightings into a stable, deduplicated candidate list and filters out
// devices that are clearly not phones running the app.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/chaz8081/buzztag/internal/ble"
	"github.com/chaz8081/buzztag/internal/models"
)

// AdmitResult tells the caller what Admit did with a sighting.
type AdmitResult int

const (
	// Rejected means the sighting was filtered out and nothing changed.
	Rejected AdmitResult = iota
	// Added means a new peer was recorded.
	Added
	// Known means the id was already present; only its signal was updated.
	Known
)

func (r AdmitResult) String() string {
	switch r {
	case Added:
		return "added"
	case Known:
		return "known"
	default:
		return "rejected"
	}
}

// denylist holds lowercase name fragments of non-phone device categories.
// They match anywhere in the name.
var denylist = []string{
	// audio accessories
	"airpods", "buds", "headphone", "headset", "earbud", "speaker",
	"soundbar", "sony wh-", "sony wf-",
	// wearables
	"watch", "mi band", "miband", "smartband",
	// TVs and streaming boxes
	"[tv]", " tv", "tv ", "chromecast", "fire tv", "firetv", "apple tv",
	// input peripherals
	"keyboard", "mouse", "trackpad", "magic ", "controller", "gamepad",
	"joy-con", "dualshock", "dualsense", "logitech", "mx master", "stylus",
	// vehicles
	"carplay", "uconnect", "ford sync", "obdii", "obd2",
	// beacons and trackers
	"beacon", "eddystone", "airtag", "smarttag", "tile mate",
	// printers
	"printer", "officejet", "deskjet", "laserjet",
}

// brands holds lowercase brand names of non-phone devices. They only match
// as whole words, so "Noura's iPhone" is not mistaken for an Oura ring.
var brands = []string{
	"bose", "jbl", "beats", "jabra", "sennheiser", "soundcore", "marshall",
	"fitbit", "garmin", "amazfit", "whoop", "oura",
	"bravia", "roku", "webos",
	"logi",
	"tesla", "mazda",
	"estimote",
	"epson", "canon",
}

var (
	// hardwareAddress matches names that start like a MAC address.
	hardwareAddress = regexp.MustCompile(`(?i)^[0-9a-f]{2}:[0-9a-f]{2}:[0-9a-f]{2}`)
	// placeholder matches generic names stacks invent for unnamed devices.
	placeholder = regexp.MustCompile(`(?i)(unknown|^device_|^n/?a$|^\(null\)$|^null$)`)
)

// Qualifies reports whether an advertised name may be admitted, and if not,
// why.
func Qualifies(name string, extra []string) (bool, string) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return false, "no name"
	}
	if hardwareAddress.MatchString(trimmed) {
		return false, "hardware address"
	}
	if placeholder.MatchString(trimmed) {
		return false, "placeholder name"
	}
	lower := " " + strings.ToLower(trimmed) + " "
	for _, list := range [][]string{denylist, extra} {
		for _, kw := range list {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return false, fmt.Sprintf("denylisted %q", kw)
			}
		}
	}
	for _, brand := range brands {
		if containsWord(lower, brand) {
			return false, fmt.Sprintf("denylisted %q", brand)
		}
	}
	return true, ""
}

// containsWord reports whether w occurs in s with no letter directly before
// or after it. Digits count as boundaries ("Buds2", "QC35").
func containsWord(s, w string) bool {
	for i := 0; i <= len(s)-len(w); {
		j := strings.Index(s[i:], w)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(w)
		before, _ := utf8.DecodeLastRuneInString(s[:start])
		after, _ := utf8.DecodeRuneInString(s[end:])
		if !unicode.IsLetter(before) && !unicode.IsLetter(after) {
			return true
		}
		i = start + 1
	}
	return false
}

// Options configures a Registry.
type Options struct {
	// ExtraDenylist adds name fragments to the built-in denylist.
	ExtraDenylist []string
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Registry is the set of known peers, keyed by transport id, kept in
// first-seen order. Safe for concurrent use.
type Registry struct {
	extra []string
	now   func() time.Time

	mu       sync.Mutex
	peers    map[string]*models.PeerDevice
	order    []string
	teardown func(id string)
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		extra: opts.ExtraDenylist,
		now:   now,
		peers: make(map[string]*models.PeerDevice),
	}
}

// SetTeardown registers the hook Remove calls to close a peer's session.
func (r *Registry) SetTeardown(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardown = fn
}

// Admit filters a sighting and records it. A rejected sighting has no side
// effect. A sighting of a known id updates only its signal strength and
// returns the existing record.
func (r *Registry) Admit(s ble.Sighting) (models.PeerDevice, AdmitResult) {
	if s.ID == "" {
		return models.PeerDevice{}, Rejected
	}
	if ok, reason := Qualifies(s.Name, r.extra); !ok {
		slog.Debug("[REGISTRY] sighting rejected", "id", s.ID, "name", s.Name, "reason", reason)
		return models.PeerDevice{}, Rejected
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[s.ID]; ok {
		if s.HasRSSI {
			p.RSSI = s.RSSI
			p.HasRSSI = true
		}
		return *p, Known
	}

	p := &models.PeerDevice{
		ID:          s.ID,
		DisplayName: strings.TrimSpace(s.Name),
		RSSI:        s.RSSI,
		HasRSSI:     s.HasRSSI,
		FirstSeenAt: r.now(),
	}
	r.peers[s.ID] = p
	r.order = append(r.order, s.ID)
	slog.Info("[REGISTRY] new peer", "id", p.ID, "name", p.DisplayName, "signal", p.Signal())
	return *p, Added
}

// List returns copies of all peers in first-seen order.
func (r *Registry) List() []models.PeerDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.PeerDevice, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.peers[id])
	}
	return out
}

// Snapshot returns the peers for the persistence supplier. It is the same
// as List.
func (r *Registry) Snapshot() []models.PeerDevice {
	return r.List()
}

// Get returns a copy of the peer with id.
func (r *Registry) Get(id string) (models.PeerDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return models.PeerDevice{}, false
	}
	return *p, true
}

// Len returns the number of peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Remove deletes the peer and tears down its session. It reports whether
// the peer was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
		for i, oid := range r.order {
			if oid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	teardown := r.teardown
	r.mu.Unlock()

	if ok && teardown != nil {
		teardown(id)
	}
	return ok
}

// MarkVerified records the outcome of the post-connection service check.
func (r *Registry) MarkVerified(id string, verified bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.Verified = p.Verified || verified
	}
}

// SetDisplayName replaces a peer's name, e.g. with the username from its
// profile. Blank names are ignored.
func (r *Registry) SetDisplayName(id, name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.DisplayName = name
	}
}

// Restore replaces the registry contents with peers, ordered by FirstSeenAt.
// Records without an id and duplicate ids are skipped.
func (r *Registry) Restore(peers []models.PeerDevice) {
	sorted := append([]models.PeerDevice(nil), peers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].FirstSeenAt.Before(sorted[j].FirstSeenAt)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[string]*models.PeerDevice, len(sorted))
	r.order = r.order[:0]
	for i := range sorted {
		p := sorted[i]
		if p.ID == "" {
			continue
		}
		if _, dup := r.peers[p.ID]; dup {
			continue
		}
		r.peers[p.ID] = &p
		r.order = append(r.order, p.ID)
	}
}

// Serialize encodes the registry as JSON.
func (r *Registry) Serialize() ([]byte, error) {
	data, err := json.Marshal(r.List())
	if err != nil {
		return nil, fmt.Errorf("registry: marshal: %w", err)
	}
	return data, nil
}

// Deserialize replaces the registry contents with JSON from Serialize.
func (r *Registry) Deserialize(data []byte) error {
	var peers []models.PeerDevice
	if err := json.Unmarshal(data, &peers); err != nil {
		return fmt.Errorf("registry: unmarshal: %w", err)
	}
	r.Restore(peers)
	return nil
}
