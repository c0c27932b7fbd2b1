package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"opennds-go/pkg/admin"
	"opennds-go/pkg/auth"
	"opennds-go/pkg/core"
)

// commander answers ndsctl requests arriving on the command socket.
type commander struct {
	reg      *core.Registry
	ctl      admin.Controller
	reloader admin.Reloader // optional
	fwState  func() string  // optional
	started  time.Time
	logger   zerolog.Logger
}

const authUsage = "ERROR: Usage: auth <id|mac|ip|token> [minutes [uprate [downrate [upquota [downquota [custom]]]]]]"

func (c *commander) processCommand(ctx context.Context, rawCmd string) string {
	parts := strings.Fields(rawCmd)
	if len(parts) == 0 {
		return ""
	}
	cmd := parts[0]
	args := parts[1:]
	c.logger.Debug().Str("cmd", cmd).Strs("args", args).Msg("Processing control command")

	switch cmd {
	case "status":
		return c.status()
	case "clients":
		return c.clients()
	case "json":
		if len(args) > 1 {
			return "ERROR: Usage: json [id|mac|ip|token]"
		}
		return c.json(args)
	case "auth":
		return c.auth(ctx, args)
	case "deauth":
		if len(args) != 1 {
			return "ERROR: Usage: deauth <id|mac|ip|token>"
		}
		cl, err := c.ctl.Deauthenticate(args[0], core.EventCtlDeauth)
		if err != nil {
			return fmt.Sprintf("ERROR: Could not deauthenticate %s: %v", args[0], err)
		}
		return fmt.Sprintf("OK: Client %d (%s) queued for deauthentication", cl.ID, cl.MAC)
	case "preauth":
		if len(args) != 2 {
			return "ERROR: Usage: preauth <mac|-> <ip>"
		}
		mac := args[0]
		if mac == "-" {
			mac = ""
		}
		if err := admin.ValidateIP(args[1]); err != nil {
			return fmt.Sprintf("ERROR: %v", err)
		}
		cl, err := c.ctl.Preauth(mac, args[1])
		if err != nil {
			return fmt.Sprintf("ERROR: Could not add %s: %v", args[1], err)
		}
		return fmt.Sprintf("OK: Client %d (%s %s) added with token %s", cl.ID, cl.MAC, cl.IP, cl.Token)
	case "block", "unblock":
		if len(args) != 1 {
			return fmt.Sprintf("ERROR: Usage: %s <id|mac|ip|token>", cmd)
		}
		fn := c.ctl.Block
		if cmd == "unblock" {
			fn = c.ctl.Unblock
		}
		cl, err := fn(args[0])
		if err != nil {
			return fmt.Sprintf("ERROR: Could not %s %s: %v", cmd, args[0], err)
		}
		return fmt.Sprintf("OK: Client %d is %s", cl.ID, cl.State)
	case "reload":
		if c.reloader == nil {
			return "ERROR: Reload is not available"
		}
		if err := c.reloader.PerformReload(); err != nil {
			return fmt.Sprintf("ERROR: Reload failed: %v", err)
		}
		return "OK: Configuration reloaded"
	default:
		return fmt.Sprintf("ERROR: Unknown command '%s'", cmd)
	}
}

func (c *commander) status() string {
	sum := c.reg.Summary()
	var b strings.Builder
	fmt.Fprintf(&b, "Uptime: %s\n", time.Since(c.started).Round(time.Second))
	fmt.Fprintf(&b, "Clients: %d\n", sum.Total)
	fmt.Fprintf(&b, "  Preauthenticated: %d\n", sum.Preauthenticated)
	fmt.Fprintf(&b, "  Authenticated: %d\n", sum.Authenticated)
	fmt.Fprintf(&b, "  Throttled: %d\n", sum.Throttled)
	fmt.Fprintf(&b, "  Blocked: %d", sum.Blocked)
	if c.fwState != nil {
		fmt.Fprintf(&b, "\nFirewall: %s", c.fwState())
	}
	return b.String()
}

func (c *commander) clients() string {
	clients := c.reg.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "Total clients: %d", len(clients))
	for _, cl := range clients {
		fmt.Fprintf(&b, "\n%d MAC: %s, IP: %s, State: %s, Up: %d kB, Down: %d kB, Rate: %d/%d kbit/s",
			cl.ID, cl.MAC, cl.IP, cl.State,
			cl.Counters.Outgoing/1024, cl.Counters.Incoming/1024, cl.UpRate, cl.DownRate)
	}
	return b.String()
}

func (c *commander) json(args []string) string {
	var v any
	if len(args) == 1 {
		cl, err := c.reg.Find(args[0])
		if err != nil {
			return fmt.Sprintf("ERROR: %v", err)
		}
		v = cl
	} else {
		v = c.reg.Snapshot()
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	return string(out)
}

func (c *commander) auth(ctx context.Context, args []string) string {
	if len(args) < 1 {
		return authUsage
	}
	var nums [5]uint64
	for i := 0; i < len(nums) && i+1 < len(args); i++ {
		n, err := strconv.ParseUint(args[i+1], 10, 64)
		if err != nil {
			return authUsage
		}
		nums[i] = n
	}
	var custom string
	if len(args) > 6 {
		custom = admin.SanitizeString(strings.Join(args[6:], " "))
		if err := admin.ValidateCustomData(custom); err != nil {
			return fmt.Sprintf("ERROR: %v", err)
		}
	}

	cl, err := c.ctl.Authenticate(ctx, args[0], auth.Request{
		SessionLength: time.Duration(nums[0]) * time.Minute,
		UploadRate:    nums[1],
		DownloadRate:  nums[2],
		UploadQuota:   nums[3],
		DownloadQuota: nums[4],
		CustomData:    custom,
	}, core.EventCtlAuth)
	if err != nil {
		return fmt.Sprintf("ERROR: Could not authenticate %s: %v", args[0], err)
	}
	return fmt.Sprintf("OK: Client %d (%s) authenticated", cl.ID, cl.MAC)
}
