package firewall

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	"github.com/rs/zerolog"

	"opennds-go/pkg/config"
	"opennds-go/pkg/core"
)

const (
	chainOut = "ndsOUT" // client to network, filter table
	chainInc = "ndsINC" // network to client, filter table
	chainPre = "ndsPRE" // portal redirection, nat table
)

// IPTables is an interface that wraps the go-iptables methods used by the firewall.
// This allows for mocking in tests.
type IPTables interface {
	Append(table, chain string, rulespec ...string) error
	Insert(table, chain string, pos int, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	NewChain(table, chain string) error
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
	Exists(table, chain string, rulespec ...string) (bool, error)
	ListChains(table string) ([]string, error)
	StructuredStats(table, chain string) ([]iptables.Stat, error)
}

type rule struct {
	table, chain string
	spec         []string
}

// IPTablesFirewall manages per-client rules with iptables. Authenticated
// clients get ACCEPT rules in ndsOUT and ndsINC plus a RETURN in ndsPRE so they
// skip the portal redirect; throttles are hashlimit DROP rules placed ahead of
// the ACCEPT rules.
type IPTablesFirewall struct {
	mu        sync.Mutex
	cfg       *config.Config
	ipt       IPTables
	ip6t      IPTables
	throttles map[string]rule // by ip/direction, so they can be removed exactly
	logger    zerolog.Logger
}

func newIPTablesFirewall(cfg *config.Config, logger zerolog.Logger) (*IPTablesFirewall, error) {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("failed to create iptables handler: %w", err)
	}

	var ip6t IPTables
	if ip6tReal, err := iptables.NewWithProtocol(iptables.ProtocolIPv6); err != nil {
		logger.Warn().Err(err).Msg("Failed to create ip6tables handler, IPv6 clients will not be managed")
	} else {
		ip6t = ip6tReal
	}
	return NewIPTablesFirewall(cfg, ipt, ip6t, logger), nil
}

// NewIPTablesFirewall creates a firewall on the given handlers. ip6t may be nil.
func NewIPTablesFirewall(cfg *config.Config, ipt, ip6t IPTables, logger zerolog.Logger) *IPTablesFirewall {
	return &IPTablesFirewall{
		cfg:       cfg,
		ipt:       ipt,
		ip6t:      ip6t,
		throttles: make(map[string]rule),
		logger:    logger.With().Str("component", "firewall").Str("backend", "iptables").Logger(),
	}
}

func (f *IPTablesFirewall) handlers() []IPTables {
	if f.ip6t != nil {
		return []IPTables{f.ipt, f.ip6t}
	}
	return []IPTables{f.ipt}
}

func (f *IPTablesFirewall) handlerFor(ip string) (IPTables, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("invalid client ip %q", ip)
	}
	if parsed.To4() != nil {
		return f.ipt, nil
	}
	if f.ip6t == nil {
		return nil, fmt.Errorf("no ip6tables handler for client %s", ip)
	}
	return f.ip6t, nil
}

func hasNAT(handler IPTables) bool {
	_, err := handler.ListChains("nat")
	return err == nil
}

// setupChains creates our chains, or clears them when left over from a previous run.
func (f *IPTablesFirewall) setupChains(handler IPTables) error {
	wanted := map[string][]string{"filter": {chainOut, chainInc}}
	if hasNAT(handler) {
		wanted["nat"] = []string{chainPre}
	}

	for table, chains := range wanted {
		existing, err := handler.ListChains(table)
		if err != nil {
			return fmt.Errorf("failed to list chains in %s table: %w", table, err)
		}
		for _, chain := range chains {
			if slices.Contains(existing, chain) {
				if err := handler.ClearChain(table, chain); err != nil {
					return fmt.Errorf("failed to clear chain %s in %s table: %w", chain, table, err)
				}
				f.logger.Debug().Str("table", table).Str("chain", chain).Msg("Cleared existing chain")
				continue
			}
			if err := handler.NewChain(table, chain); err != nil {
				return fmt.Errorf("failed to create chain %s in %s table: %w", chain, table, err)
			}
			f.logger.Debug().Str("table", table).Str("chain", chain).Msg("Created new chain")
		}
	}
	return nil
}

// baseRules are the jumps into our chains and the default policy inside them.
func baseRules(cfg *config.Config, withNAT bool) []rule {
	rules := []rule{
		{"filter", "FORWARD", []string{"-i", cfg.GatewayInterface, "-j", chainOut}},
		{"filter", "FORWARD", []string{"-o", cfg.GatewayInterface, "-j", chainInc}},
		{"filter", chainOut, []string{"-j", "REJECT"}},
		{"filter", chainInc, []string{"-j", "DROP"}},
	}
	if withNAT {
		rules = append(rules,
			rule{"nat", "PREROUTING", []string{"-i", cfg.GatewayInterface, "-j", chainPre}},
			rule{"nat", chainPre, []string{"-p", "tcp", "--dport", "80", "-j", "REDIRECT", "--to-ports", strconv.Itoa(cfg.GatewayPort)}},
		)
	}
	return rules
}

// Initialize installs the chains and the jumps to them.
func (f *IPTablesFirewall) Initialize() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.logger.Debug().Msg("Initializing iptables rules")
	for _, handler := range f.handlers() {
		if err := f.setupChains(handler); err != nil {
			return err
		}
		for _, r := range baseRules(f.cfg, hasNAT(handler)) {
			if err := appendUnique(handler, r); err != nil {
				return err
			}
		}
	}
	f.logger.Info().Str("interface", f.cfg.GatewayInterface).Msg("iptables firewall initialized successfully")
	return nil
}

func appendUnique(handler IPTables, r rule) error {
	exists, err := handler.Exists(r.table, r.chain, r.spec...)
	if err != nil {
		return fmt.Errorf("failed to check rule in %s/%s: %w", r.table, r.chain, err)
	}
	if exists {
		return nil
	}
	if err := handler.Append(r.table, r.chain, r.spec...); err != nil {
		return fmt.Errorf("failed to append rule to %s/%s: %w", r.table, r.chain, err)
	}
	return nil
}

func insertUnique(handler IPTables, r rule) error {
	exists, err := handler.Exists(r.table, r.chain, r.spec...)
	if err != nil {
		return fmt.Errorf("failed to check rule in %s/%s: %w", r.table, r.chain, err)
	}
	if exists {
		return nil
	}
	if err := handler.Insert(r.table, r.chain, 1, r.spec...); err != nil {
		return fmt.Errorf("failed to insert rule into %s/%s: %w", r.table, r.chain, err)
	}
	return nil
}

func deleteIfExists(handler IPTables, r rule) error {
	exists, err := handler.Exists(r.table, r.chain, r.spec...)
	if err != nil {
		return fmt.Errorf("failed to check rule in %s/%s: %w", r.table, r.chain, err)
	}
	if !exists {
		return nil
	}
	if err := handler.Delete(r.table, r.chain, r.spec...); err != nil {
		return fmt.Errorf("failed to delete rule from %s/%s: %w", r.table, r.chain, err)
	}
	return nil
}

func accessRules(ip string, withNAT bool) []rule {
	rules := []rule{
		{"filter", chainOut, []string{"-s", ip, "-j", "ACCEPT"}},
		{"filter", chainInc, []string{"-d", ip, "-j", "ACCEPT"}},
	}
	if withNAT {
		rules = append(rules, rule{"nat", chainPre, []string{"-s", ip, "-j", "RETURN"}})
	}
	return rules
}

// Authenticate grants c access. Rules already present are left alone.
func (f *IPTablesFirewall) Authenticate(ctx context.Context, c core.Client) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	handler, err := f.handlerFor(c.IP)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range accessRules(c.IP, hasNAT(handler)) {
		if err := insertUnique(handler, r); err != nil {
			return fmt.Errorf("authenticate %s: %w", c.IP, err)
		}
	}
	f.logger.Info().Str("ip", c.IP).Str("mac", c.MAC).Msg("Added iptables rules for authenticated client")
	return nil
}

// Deauthenticate revokes c's access and drops any throttle it still has.
func (f *IPTablesFirewall) Deauthenticate(ctx context.Context, c core.Client) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	handler, err := f.handlerFor(c.IP)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for _, dir := range []core.Direction{core.Upload, core.Download} {
		errs = append(errs, f.removeThrottleLocked(handler, c.IP, dir))
	}
	for _, r := range accessRules(c.IP, hasNAT(handler)) {
		errs = append(errs, deleteIfExists(handler, r))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("deauthenticate %s: %w", c.IP, err)
	}
	f.logger.Info().Str("ip", c.IP).Str("mac", c.MAC).Msg("Removed iptables rules for client")
	return nil
}

func throttleKey(ip string, dir core.Direction) string {
	return ip + "/" + dir.String()
}

func throttleRule(c core.Client, dir core.Direction, bucket uint64) rule {
	packets := max(c.PacketLimit(dir), 1)
	if dir == core.Upload {
		return rule{"filter", chainOut, []string{
			"-s", c.IP, "-m", "hashlimit",
			"--hashlimit-name", fmt.Sprintf("nds_up_%d", c.ID),
			"--hashlimit-mode", "srcip",
			"--hashlimit-above", fmt.Sprintf("%d/sec", packets),
			"--hashlimit-burst", strconv.FormatUint(bucket, 10),
			"-j", "DROP",
		}}
	}
	return rule{"filter", chainInc, []string{
		"-d", c.IP, "-m", "hashlimit",
		"--hashlimit-name", fmt.Sprintf("nds_dn_%d", c.ID),
		"--hashlimit-mode", "dstip",
		"--hashlimit-above", fmt.Sprintf("%d/sec", packets),
		"--hashlimit-burst", strconv.FormatUint(bucket, 10),
		"-j", "DROP",
	}}
}

// InstallThrottle limits c in direction dir to its packet limit with the given burst.
// A throttle already in place for that direction is replaced.
func (f *IPTablesFirewall) InstallThrottle(ctx context.Context, c core.Client, dir core.Direction, bucket uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	handler, err := f.handlerFor(c.IP)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	r := throttleRule(c, dir, bucket)
	if err := f.removeThrottleLocked(handler, c.IP, dir); err != nil {
		return err
	}
	if err := insertUnique(handler, r); err != nil {
		return fmt.Errorf("throttle %s %s: %w", c.IP, dir, err)
	}
	f.throttles[throttleKey(c.IP, dir)] = r
	f.logger.Info().Str("ip", c.IP).Str("direction", dir.String()).Uint64("bucket", bucket).
		Uint64("packets_per_sec", c.PacketLimit(dir)).Msg("Installed throttle")
	return nil
}

// RemoveThrottle lifts the throttle on c for dir. Removing an absent throttle is a no-op.
func (f *IPTablesFirewall) RemoveThrottle(ctx context.Context, c core.Client, dir core.Direction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	handler, err := f.handlerFor(c.IP)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeThrottleLocked(handler, c.IP, dir)
}

func (f *IPTablesFirewall) removeThrottleLocked(handler IPTables, ip string, dir core.Direction) error {
	key := throttleKey(ip, dir)
	r, ok := f.throttles[key]
	if !ok {
		return nil
	}
	if err := deleteIfExists(handler, r); err != nil {
		return fmt.Errorf("remove throttle %s %s: %w", ip, dir, err)
	}
	delete(f.throttles, key)
	return nil
}

// Sample reads the byte and packet counters of the per-client ACCEPT rules.
// Only traffic that was let through is counted.
func (f *IPTablesFirewall) Sample(ctx context.Context) (map[string]core.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	samples := make(map[string]core.Sample)
	for _, handler := range f.handlers() {
		out, err := handler.StructuredStats("filter", chainOut)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s counters: %w", chainOut, err)
		}
		for _, st := range out {
			if ip, ok := hostAddr(st.Target, st.Source); ok {
				s := samples[ip]
				s.OutBytes += st.Bytes
				s.OutPackets += st.Packets
				samples[ip] = s
			}
		}

		inc, err := handler.StructuredStats("filter", chainInc)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s counters: %w", chainInc, err)
		}
		for _, st := range inc {
			if ip, ok := hostAddr(st.Target, st.Destination); ok {
				s := samples[ip]
				s.InBytes += st.Bytes
				s.InPackets += st.Packets
				samples[ip] = s
			}
		}
	}
	return samples, nil
}

// hostAddr returns the address of a single-host ACCEPT rule.
func hostAddr(target string, n *net.IPNet) (string, bool) {
	if target != "ACCEPT" || n == nil {
		return "", false
	}
	ones, bits := n.Mask.Size()
	if ones != bits {
		return "", false
	}
	return n.IP.String(), true
}

// Reconfigure moves the chain jumps and the portal redirect when the gateway
// interface or port changes. Client rules are untouched.
func (f *IPTablesFirewall) Reconfigure(newConfig *config.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	old := f.cfg
	f.cfg = newConfig
	if old.GatewayInterface == newConfig.GatewayInterface && old.GatewayPort == newConfig.GatewayPort {
		return nil
	}

	f.logger.Info().Str("interface", newConfig.GatewayInterface).Int("port", newConfig.GatewayPort).Msg("Reconfiguring firewall")
	var errs []error
	for _, handler := range f.handlers() {
		nat := hasNAT(handler)
		for _, r := range baseRules(old, nat) {
			errs = append(errs, deleteIfExists(handler, r))
		}
		for _, r := range baseRules(newConfig, nat) {
			errs = append(errs, appendUnique(handler, r))
		}
	}
	return errors.Join(errs...)
}

// Cleanup removes the jumps and our chains, and with them every client rule.
func (f *IPTablesFirewall) Cleanup() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.logger.Info().Msg("Cleaning up iptables rules...")
	var errs []error
	for _, handler := range f.handlers() {
		nat := hasNAT(handler)
		for _, r := range baseRules(f.cfg, nat) {
			if strings.HasPrefix(r.chain, "nds") {
				continue // flushed with the chain below
			}
			errs = append(errs, deleteIfExists(handler, r))
		}

		chains := []rule{{table: "filter", chain: chainOut}, {table: "filter", chain: chainInc}}
		if nat {
			chains = append(chains, rule{table: "nat", chain: chainPre})
		}
		for _, c := range chains {
			if err := handler.ClearChain(c.table, c.chain); err != nil {
				errs = append(errs, fmt.Errorf("failed to clear chain %s: %w", c.chain, err))
				continue
			}
			if err := handler.DeleteChain(c.table, c.chain); err != nil {
				errs = append(errs, fmt.Errorf("failed to delete chain %s: %w", c.chain, err))
			}
		}
	}
	clear(f.throttles)
	return errors.Join(errs...)
}
