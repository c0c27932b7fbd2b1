package core

import "time"

// Client is a point-in-time copy of one session. The registry never hands out
// its own records; every lookup returns a Client value.
type Client struct {
	ID         uint64 `json:"id"`
	MAC        string `json:"mac"`
	IP         string `json:"ip"`
	Token      string `json:"token"`
	HID        string `json:"hid,omitempty"`
	CID        string `json:"cid,omitempty"`
	ClientType string `json:"client_type,omitempty"`
	CustomData string `json:"custom,omitempty"`

	State        ConnState `json:"state"`
	Created      time.Time `json:"created"`
	SessionStart time.Time `json:"session_start,omitzero"`
	SessionEnd   time.Time `json:"session_end,omitzero"` // zero means unlimited
	WindowStart  time.Time `json:"window_start,omitzero"`
	InitialLoop  bool      `json:"initial_loop"`

	// Limits: rates in kbit/s, quotas in kB, buckets and packet limits in packets.
	UploadRate         uint64 `json:"upload_rate"`
	DownloadRate       uint64 `json:"download_rate"`
	UploadQuota        uint64 `json:"upload_quota"`
	DownloadQuota      uint64 `json:"download_quota"`
	UploadBucketSize   uint64 `json:"upload_bucket_size"`
	DownloadBucketSize uint64 `json:"download_bucket_size"`
	IncPacketLimit     uint64 `json:"inc_packet_limit"`
	OutPacketLimit     uint64 `json:"out_packet_limit"`

	// Live rate state
	UpRate           uint64 `json:"uprate"`
	DownRate         uint64 `json:"downrate"`
	UploadLimiting   bool   `json:"upload_limiting"`
	DownloadLimiting bool   `json:"download_limiting"`
	RateExceeded     bool   `json:"rate_exceeded"`
	WindowCounter    int    `json:"window_counter"`

	Counters Counters `json:"counters"`
}

// Throttled reports the derived throttled state: authenticated with a limit in force.
func (c Client) Throttled() bool {
	return c.State == Authenticated && (c.UploadLimiting || c.DownloadLimiting)
}

// Limiting reports whether a throttle is active for d.
func (c Client) Limiting(d Direction) bool {
	if d == Upload {
		return c.UploadLimiting
	}
	return c.DownloadLimiting
}

// BucketSize returns the current bucket size for d.
func (c Client) BucketSize(d Direction) uint64 {
	if d == Upload {
		return c.UploadBucketSize
	}
	return c.DownloadBucketSize
}

// PacketLimit returns the packets-per-second ceiling for d.
func (c Client) PacketLimit(d Direction) uint64 {
	if d == Upload {
		return c.OutPacketLimit
	}
	return c.IncPacketLimit
}

// LastActivity is the time the client was last seen moving traffic, or its creation time.
func (c Client) LastActivity() time.Time {
	if c.Counters.LastUpdated.After(c.Created) {
		return c.Counters.LastUpdated
	}
	return c.Created
}

// Grant carries the authentication workflow's decision for one client.
// Zero values mean unlimited.
type Grant struct {
	SessionEnd    time.Time
	UploadRate    uint64
	DownloadRate  uint64
	UploadQuota   uint64
	DownloadQuota uint64
	HID           string
	CID           string
	ClientType    string
	CustomData    string
}

// session is the registry-owned record. Fields beyond Client are bookkeeping
// that never leaves the registry.
type session struct {
	Client

	pendingDeauth  string // hook event to deauthenticate with on the next tick
	fwFailures     int    // consecutive failed firewall side effects
	authenticating bool   // claimed by an authentication in flight
}

func (s *session) setLimiting(d Direction, on bool) {
	if d == Upload {
		s.UploadLimiting = on
	} else {
		s.DownloadLimiting = on
	}
}
