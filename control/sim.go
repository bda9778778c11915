package control

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// simScreen is one canned display state. Tapping advanceOn moves the device
// to the next screen, the way the real surface walks through registration.
type simScreen struct {
	name      string
	anchors   []string
	advanceOn string
}

var simScript = []simScreen{
	{name: "home", anchors: []string{"Home"}},
	{name: "signup", anchors: []string{"Sign up", "Create account"}, advanceOn: "Create account"},
	{name: "form", anchors: []string{"First name", "Last name", "Username", "Password", "Next"}, advanceOn: "Next"},
	{name: "phone", anchors: []string{"Phone number", "Next"}, advanceOn: "Next"},
	{name: "code", anchors: []string{"Verification code", "Verify"}, advanceOn: "Verify"},
	{name: "supplemental", anchors: []string{"Birthday", "Gender", "Next"}, advanceOn: "Next"},
	{name: "terms", anchors: []string{"I agree"}, advanceOn: "I agree"},
	{name: "welcome", anchors: []string{"Welcome"}},
}

// SimConfig ...
type SimConfig struct {
	Devices []string
	// FaultRate injects random transient failures into every call, the same
	// way the scheduler's monkey package poisoned queue operations.
	FaultRate float64
	// CodeAfterPolls - the verification code arrives on this poll.
	CodeAfterPolls int
	Code           string
}

type simReservation struct {
	number   string
	polls    int
	released bool
}

// Simulated is an in-memory Client walking every device through the canned
// registration script. It backs local runs and the test suite; the real
// transport and recognition services live outside this repository.
type Simulated struct {
	cfg SimConfig

	mu           sync.Mutex
	screens      map[string]int
	typed        map[string][]string
	reservations map[string]*simReservation
	reserveSeq   int
	rnd          *rand.Rand
}

// NewSimulated ...
func NewSimulated(cfg SimConfig) *Simulated {
	if cfg.CodeAfterPolls == 0 {
		cfg.CodeAfterPolls = 1
	}
	if cfg.Code == "" {
		cfg.Code = "482913"
	}
	screens := make(map[string]int, len(cfg.Devices))
	for _, id := range cfg.Devices {
		screens[id] = 0
	}
	return &Simulated{
		cfg:          cfg,
		screens:      screens,
		typed:        map[string][]string{},
		reservations: map[string]*simReservation{},
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Simulated) maybeFault(op string) error {
	if s.cfg.FaultRate <= 0 {
		return nil
	}
	if s.rnd.Float64() < s.cfg.FaultRate {
		return Transient(op, errors.New("synthetic fault"))
	}
	return nil
}

func (s *Simulated) device(op, deviceID string) (int, error) {
	idx, ok := s.screens[deviceID]
	if !ok {
		return 0, Fatal(op, fmt.Errorf("unknown device %s", deviceID))
	}
	return idx, nil
}

// ListDevices ...
func (s *Simulated) ListDevices(ctx context.Context) ([]string, error) {
	return append([]string{}, s.cfg.Devices...), nil
}

// CheckHealth ...
func (s *Simulated) CheckHealth(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.device("check_health", deviceID); err != nil {
		return err
	}
	return s.maybeFault("check_health")
}

// CaptureScreen ...
func (s *Simulated) CaptureScreen(ctx context.Context, deviceID string) (*Screen, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.device("capture_screen", deviceID); err != nil {
		return nil, err
	}
	if err := s.maybeFault("capture_screen"); err != nil {
		return nil, err
	}
	return &Screen{DeviceID: deviceID, CapturedAt: time.Now()}, nil
}

// Locate reports the target anchor on the device's current screen, absent
// otherwise. Regions encode the anchor position so Tap can interpret them.
func (s *Simulated) Locate(ctx context.Context, screen *Screen, target string) (*Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.device("locate", screen.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := s.maybeFault("locate"); err != nil {
		return nil, err
	}
	for i, anchor := range simScript[idx].anchors {
		if anchor == target {
			return &Region{X: i, Y: idx, Width: 10, Height: 10, Confidence: 0.95}, nil
		}
	}
	return nil, nil
}

// Tap ...
func (s *Simulated) Tap(ctx context.Context, deviceID string, region *Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.device("tap", deviceID)
	if err != nil {
		return err
	}
	if err := s.maybeFault("tap"); err != nil {
		return err
	}
	if region == nil || region.Y != idx {
		// Stale region from an earlier capture, the screen moved on.
		return nil
	}
	screen := simScript[idx]
	if region.X < len(screen.anchors) && screen.anchors[region.X] == screen.advanceOn && idx < len(simScript)-1 {
		s.screens[deviceID] = idx + 1
	}
	return nil
}

// Type ...
func (s *Simulated) Type(ctx context.Context, deviceID string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.device("type", deviceID); err != nil {
		return err
	}
	if err := s.maybeFault("type"); err != nil {
		return err
	}
	s.typed[deviceID] = append(s.typed[deviceID], text)
	return nil
}

// LaunchSurface ...
func (s *Simulated) LaunchSurface(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.device("launch_surface", deviceID)
	if err != nil {
		return err
	}
	if err := s.maybeFault("launch_surface"); err != nil {
		return err
	}
	if idx == 0 {
		s.screens[deviceID] = 1
	}
	return nil
}

// ClearSurface ...
func (s *Simulated) ClearSurface(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.device("clear_surface", deviceID); err != nil {
		return err
	}
	if err := s.maybeFault("clear_surface"); err != nil {
		return err
	}
	s.screens[deviceID] = 0
	return nil
}

// ReserveNumber ...
func (s *Simulated) ReserveNumber(ctx context.Context, country string) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFault("reserve_number"); err != nil {
		return nil, err
	}
	s.reserveSeq++
	handle := fmt.Sprintf("res-%d", s.reserveSeq)
	number := fmt.Sprintf("+1555%07d", s.reserveSeq)
	s.reservations[handle] = &simReservation{number: number}
	return &Reservation{Handle: handle, Number: number, Country: country}, nil
}

// PollCode ...
func (s *Simulated) PollCode(ctx context.Context, res *Reservation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[res.Handle]
	if !ok {
		return "", Fatal("poll_code", fmt.Errorf("unknown reservation %s", res.Handle))
	}
	if r.released {
		return "", Fatal("poll_code", ErrNumberExpired)
	}
	if err := s.maybeFault("poll_code"); err != nil {
		return "", err
	}
	r.polls++
	if r.polls < s.cfg.CodeAfterPolls {
		return "", Transient("poll_code", ErrCodePending)
	}
	return s.cfg.Code, nil
}

// ReleaseNumber ...
func (s *Simulated) ReleaseNumber(ctx context.Context, res *Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[res.Handle]
	if !ok {
		return Fatal("release_number", fmt.Errorf("unknown reservation %s", res.Handle))
	}
	r.released = true
	return nil
}

// Typed reports everything typed into a device, oldest first.
func (s *Simulated) Typed(deviceID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.typed[deviceID]...)
}

// ScreenName reports the device's current canned screen.
func (s *Simulated) ScreenName(deviceID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return simScript[s.screens[deviceID]].name
}

// Reservations reports how many numbers were reserved and released.
func (s *Simulated) Reservations() (reserved, released int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reserved = s.reserveSeq
	for _, r := range s.reservations {
		if r.released {
			released++
		}
	}
	return reserved, released
}
