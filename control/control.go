// Package control is the capability facade over the external device
// transport, the optical recognition service and the phone number provider.
// Executors depend on this surface only; concrete transports plug in behind
// the Client interface.
package control

import (
	"context"
	"time"
)

// MinConfidence - recognition matches below this score are reported absent.
const MinConfidence = 0.6

// Region is one matched area on a captured screen.
type Region struct {
	X          int
	Y          int
	Width      int
	Height     int
	Confidence float64
}

// Screen is a single capture of a device display.
type Screen struct {
	DeviceID   string
	CapturedAt time.Time
	Image      []byte
}

// Reservation is a leased phone number. Leases cost money; callers must
// release a reservation before acquiring another one for the same attempt.
type Reservation struct {
	Handle  string
	Number  string
	Country string
}

// Client is the uniform capability surface consumed by every stage executor.
// Absent recognition matches are reported as (nil, nil) from Locate, never as
// an error. All other failures come back classified, see errors.go.
type Client interface {
	ListDevices(ctx context.Context) ([]string, error)
	CheckHealth(ctx context.Context, deviceID string) error

	CaptureScreen(ctx context.Context, deviceID string) (*Screen, error)
	Locate(ctx context.Context, screen *Screen, target string) (*Region, error)
	Tap(ctx context.Context, deviceID string, region *Region) error
	Type(ctx context.Context, deviceID string, text string) error
	LaunchSurface(ctx context.Context, deviceID string) error
	ClearSurface(ctx context.Context, deviceID string) error

	ReserveNumber(ctx context.Context, country string) (*Reservation, error)
	PollCode(ctx context.Context, res *Reservation) (string, error)
	ReleaseNumber(ctx context.Context, res *Reservation) error
}
