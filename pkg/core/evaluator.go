package core

import (
	"time"

	"opennds-go/pkg/config"
)

// Policy is the gateway-wide part of rate and quota evaluation.
type Policy struct {
	UploadBucketRatio     uint64
	DownloadBucketRatio   uint64
	MaxUploadBucketSize   uint64
	MaxDownloadBucketSize uint64
	MTU                   uint64
	RateThreshold         int
	PreauthIdleTimeout    time.Duration
	AuthIdleTimeout       time.Duration
}

// PolicyFromConfig extracts the evaluation policy from cfg.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		UploadBucketRatio:     cfg.UploadBucketRatio,
		DownloadBucketRatio:   cfg.DownloadBucketRatio,
		MaxUploadBucketSize:   cfg.MaxUploadBucketSize,
		MaxDownloadBucketSize: cfg.MaxDownloadBucketSize,
		MTU:                   cfg.MTU,
		RateThreshold:         cfg.RateThreshold,
		PreauthIdleTimeout:    cfg.PreauthIdleTimeout,
		AuthIdleTimeout:       cfg.AuthIdleTimeout,
	}
}

func (p Policy) ratio(d Direction) uint64 {
	if d == Upload {
		return p.UploadBucketRatio
	}
	return p.DownloadBucketRatio
}

func (p Policy) maxBucket(d Direction) uint64 {
	if d == Upload {
		return p.MaxUploadBucketSize
	}
	return p.MaxDownloadBucketSize
}

// PacketLimit converts a kbit/s rate into packets per second at the policy MTU.
// Zero rate means no limit.
func (p Policy) PacketLimit(rate uint64) uint64 {
	if rate == 0 {
		return 0
	}
	mtu := p.MTU
	if mtu == 0 {
		mtu = 1500
	}
	return max(1, rate*1000/8/mtu)
}

// BucketSize returns the burst allowance in packets for a direction limited to
// rate kbit/s. Zero means the direction is not limited: no rate configured, or
// a bucket ratio below 1.
func (p Policy) BucketSize(d Direction, rate uint64) uint64 {
	ratio := p.ratio(d)
	if rate == 0 || ratio < 1 {
		return 0
	}
	bucket := p.PacketLimit(rate) * ratio
	if limit := p.maxBucket(d); limit > 0 && bucket > limit {
		bucket = limit
	}
	return bucket
}

// Verdict classifies a session after one evaluation.
type Verdict int

const (
	VerdictOk Verdict = iota
	VerdictRateExceeded
	VerdictQuotaExceeded
	VerdictExpired
	VerdictIdle
)

func (v Verdict) String() string {
	switch v {
	case VerdictRateExceeded:
		return "rate_exceeded"
	case VerdictQuotaExceeded:
		return "quota_exceeded"
	case VerdictExpired:
		return "expired"
	case VerdictIdle:
		return "idle"
	default:
		return "ok"
	}
}

// Decision is the result of evaluating one session. It carries the verdict and
// the rate window state the watchdog commits for the session.
type Decision struct {
	Verdict   Verdict
	Direction Direction // for VerdictRateExceeded and VerdictQuotaExceeded

	UpRate   uint64 // kbit/s over the window just closed
	DownRate uint64

	RateExceeded  bool
	WindowCounter int

	// Desired throttle state per direction.
	UploadLimiting   bool
	DownloadLimiting bool

	UploadBucketSize   uint64
	DownloadBucketSize uint64
	OutPacketLimit     uint64
	IncPacketLimit     uint64
}

// Limiting returns the desired throttle state for d.
func (d Decision) Limiting(dir Direction) bool {
	if dir == Upload {
		return d.UploadLimiting
	}
	return d.DownloadLimiting
}

// DeauthEvent maps a terminal verdict to its hook event, or "" for non-terminal verdicts.
func (d Decision) DeauthEvent() string {
	switch d.Verdict {
	case VerdictExpired:
		return EventTimeoutDeauth
	case VerdictIdle:
		return EventIdleDeauth
	case VerdictQuotaExceeded:
		if d.Direction == Upload {
			return EventUpQuotaDeauth
		}
		return EventDownQuotaDeauth
	}
	return ""
}

// kbps converts a byte delta over elapsed into kbit/s.
func kbps(bytes uint64, elapsed time.Duration) uint64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return uint64(float64(bytes) * 8 / 1000 / secs)
}

// exceedsQuota reports whether total bytes went over a quota given in kB.
func exceedsQuota(total, quotaKB uint64) bool {
	return quotaKB > 0 && total > quotaKB*1024
}

// Evaluate classifies c at time now. It has no side effects.
//
// Precedence is Expired, QuotaExceeded, Idle, RateExceeded, Ok. Only authenticated
// sessions are subject to time, quota and rate checks; preauthenticated ones can
// only go idle.
func Evaluate(c Client, p Policy, now time.Time) Decision {
	d := Decision{
		UploadLimiting:     c.UploadLimiting,
		DownloadLimiting:   c.DownloadLimiting,
		UploadBucketSize:   p.BucketSize(Upload, c.UploadRate),
		DownloadBucketSize: p.BucketSize(Download, c.DownloadRate),
		OutPacketLimit:     p.PacketLimit(c.UploadRate),
		IncPacketLimit:     p.PacketLimit(c.DownloadRate),
		WindowCounter:      c.WindowCounter,
	}

	if c.State != Authenticated {
		if c.State == Preauthenticated && p.PreauthIdleTimeout > 0 && now.Sub(c.LastActivity()) >= p.PreauthIdleTimeout {
			d.Verdict = VerdictIdle
		}
		return d
	}

	elapsed := now.Sub(c.WindowStart)
	d.UpRate = kbps(c.Counters.Outgoing-c.Counters.OutWindowStart, elapsed)
	d.DownRate = kbps(c.Counters.Incoming-c.Counters.InWindowStart, elapsed)

	if !c.InitialLoop && elapsed > 0 {
		upViolation := d.UploadBucketSize > 0 && d.UpRate > c.UploadRate
		downViolation := d.DownloadBucketSize > 0 && d.DownRate > c.DownloadRate
		d.RateExceeded = upViolation || downViolation

		if d.RateExceeded {
			d.WindowCounter++
		} else {
			d.WindowCounter = 0
		}
		d.UploadLimiting = upViolation && (c.UploadLimiting || d.WindowCounter >= p.RateThreshold)
		d.DownloadLimiting = downViolation && (c.DownloadLimiting || d.WindowCounter >= p.RateThreshold)

		if d.RateExceeded {
			d.Verdict = VerdictRateExceeded
			d.Direction = Download
			if upViolation {
				d.Direction = Upload
			}
		}
	}

	switch {
	case !c.SessionEnd.IsZero() && !now.Before(c.SessionEnd):
		d.Verdict = VerdictExpired
	case exceedsQuota(c.Counters.Incoming, c.DownloadQuota):
		d.Verdict, d.Direction = VerdictQuotaExceeded, Download
	case exceedsQuota(c.Counters.Outgoing, c.UploadQuota):
		d.Verdict, d.Direction = VerdictQuotaExceeded, Upload
	case p.AuthIdleTimeout > 0 && now.Sub(c.LastActivity()) >= p.AuthIdleTimeout:
		d.Verdict = VerdictIdle
	}
	return d
}
