// Package conntrack derives per-client traffic counters from the kernel
// connection tracking table.
package conntrack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"
	ct "github.com/ti-mo/conntrack"
	"github.com/ti-mo/netfilter"

	"opennds-go/pkg/config"
	"opennds-go/pkg/core"
)

// Dumper lists the current conntrack flows. *conntrack.Conn implements it.
type Dumper interface {
	Dump(opts *ct.DumpOptions) ([]ct.Flow, error)
}

type flowCounters struct {
	origBytes, origPackets   uint64
	replyBytes, replyPackets uint64
}

// Source is a core.CounterSource. Flow accounting is accumulated per client
// address, so totals keep growing after a flow ends and leaves the table.
// Requires net.netfilter.nf_conntrack_acct=1.
type Source struct {
	mu      sync.Mutex
	dumper  Dumper
	network *net.IPNet
	flows   map[uint32]flowCounters
	totals  map[string]core.Sample
	closers []io.Closer
	logger  zerolog.Logger
}

// New creates a Source reading flows from dumper and attributing them to
// addresses inside network.
func New(dumper Dumper, network net.IPNet, logger zerolog.Logger) *Source {
	return &Source{
		dumper:  dumper,
		network: &network,
		flows:   make(map[uint32]flowCounters),
		totals:  make(map[string]core.Sample),
		logger:  logger.With().Str("component", "conntrack").Logger(),
	}
}

// Open dials conntrack for dumping and subscribes to destroy events, so the
// last bytes of flows ending between two samples are still counted. The
// listener runs until ctx is done or Close is called.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Source, error) {
	dump, err := ct.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial conntrack: %w", err)
	}
	s := New(dump, cfg.GatewayNet, logger)
	s.closers = append(s.closers, dump)

	listen, err := ct.Dial(nil)
	if err != nil {
		dump.Close()
		return nil, fmt.Errorf("failed to dial conntrack listener: %w", err)
	}
	events := make(chan ct.Event, 1024)
	errCh, err := listen.Listen(events, 1, []netfilter.NetlinkGroup{netfilter.GroupCTDestroy})
	if err != nil {
		listen.Close()
		dump.Close()
		return nil, fmt.Errorf("failed to listen for conntrack events: %w", err)
	}
	s.closers = append(s.closers, listen)

	go s.consume(ctx, events, errCh)
	return s, nil
}

func (s *Source) consume(ctx context.Context, events <-chan ct.Event, errCh <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errCh:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("Conntrack listen error")
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == ct.EventDestroy && ev.Flow != nil {
				s.mu.Lock()
				s.observe(*ev.Flow)
				delete(s.flows, ev.Flow.ID)
				s.mu.Unlock()
			}
		}
	}
}

// Sample dumps the flow table and returns the accumulated counters of every
// client address seen so far.
func (s *Source) Sample(ctx context.Context) (map[string]core.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// held across the dump so a destroy event cannot be counted twice
	s.mu.Lock()
	defer s.mu.Unlock()

	flows, err := s.dumper.Dump(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dump conntrack table: %w", err)
	}

	seen := make(map[uint32]struct{}, len(flows))
	for _, f := range flows {
		if s.observe(f) {
			seen[f.ID] = struct{}{}
		}
	}
	for id := range s.flows {
		if _, ok := seen[id]; !ok {
			delete(s.flows, id)
		}
	}

	out := make(map[string]core.Sample, len(s.totals))
	for ip, sample := range s.totals {
		out[ip] = sample
	}
	return out, nil
}

// observe adds the counter growth of f since it was last seen. It reports
// whether f belongs to a client. Caller holds s.mu.
func (s *Source) observe(f ct.Flow) bool {
	src := f.TupleOrig.IP.SourceAddress
	dst := f.TupleOrig.IP.DestinationAddress

	var (
		client   netip.Addr
		outbound bool
	)
	switch {
	case s.contains(src):
		client, outbound = src, true
	case s.contains(dst):
		client = dst
	default:
		return false
	}

	cur := flowCounters{
		origBytes: f.CountersOrig.Bytes, origPackets: f.CountersOrig.Packets,
		replyBytes: f.CountersReply.Bytes, replyPackets: f.CountersReply.Packets,
	}
	last, ok := s.flows[f.ID]
	if !ok || cur.origBytes < last.origBytes || cur.replyBytes < last.replyBytes {
		// new flow, or the id was reused
		last = flowCounters{}
	}
	s.flows[f.ID] = cur

	delta := flowCounters{
		origBytes:    cur.origBytes - last.origBytes,
		origPackets:  cur.origPackets - min(last.origPackets, cur.origPackets),
		replyBytes:   cur.replyBytes - last.replyBytes,
		replyPackets: cur.replyPackets - min(last.replyPackets, cur.replyPackets),
	}

	key := client.Unmap().String()
	t := s.totals[key]
	if outbound {
		t.OutBytes += delta.origBytes
		t.OutPackets += delta.origPackets
		t.InBytes += delta.replyBytes
		t.InPackets += delta.replyPackets
	} else {
		t.OutBytes += delta.replyBytes
		t.OutPackets += delta.replyPackets
		t.InBytes += delta.origBytes
		t.InPackets += delta.origPackets
	}
	s.totals[key] = t
	return true
}

// Forget drops the accumulated totals of ip. Flows still open keep their
// last readings, so only their growth from now on is counted again.
func (s *Source) Forget(ip string) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.totals, addr.Unmap().String())
}

func (s *Source) contains(a netip.Addr) bool {
	if !a.IsValid() || s.network == nil || s.network.IP == nil {
		return false
	}
	return s.network.Contains(net.IP(a.Unmap().AsSlice()))
}

// Reconfigure changes the client network. Accumulated totals are kept.
func (s *Source) Reconfigure(newConfig *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	network := newConfig.GatewayNet
	s.network = &network
	return nil
}

// Close releases the netlink connections opened by Open.
func (s *Source) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}
