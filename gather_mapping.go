package ice

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pion/logging"
)

// MappingHarvester implements spec.md §4.9: rewrites Host Candidate
// addresses through a configured face→mask NAT 1:1 entry. Harvesters with
// face == mask, or either unset, are discarded at construction per spec.md
// §4.9.
type MappingHarvester struct {
	cfg  *Config
	log  logging.LeveledLogger
	face net.IP
	mask net.IP
}

// NewMappingHarvester constructs a Mapping Harvester, returning nil if face
// and mask are equal or either is unset (spec.md §4.9).
func NewMappingHarvester(cfg *Config, face, mask net.IP) *MappingHarvester {
	if face == nil || mask == nil || face.Equal(mask) {
		return nil
	}
	return &MappingHarvester{
		cfg:  cfg,
		log:  newComponentLogger(cfg.loggerFactory(), "ice-gather-mapping"),
		face: face,
		mask: mask,
	}
}

// Harvest emits a StaticallyMapped Candidate at (mask:hostPort, transport)
// for every Host Candidate in component whose address equals face.
func (m *MappingHarvester) Harvest(_ context.Context, component *Component) ([]*Candidate, error) {
	var produced []*Candidate
	for _, c := range component.GetLocalCandidates() {
		if c.Type != CandidateTypeHost {
			continue
		}
		if !c.Local.IP.Equal(m.face) {
			continue
		}
		mapped := TransportAddress{IP: m.mask, Port: c.Local.Port, Transport: c.Local.Transport}
		cand := NewStaticallyMappedCandidate(mapped, c)
		if component.AddLocalCandidate(cand) {
			produced = append(produced, cand)
			m.log.Infof("static-mapped candidate: %s -> %s", c.Local, mapped)
		}
	}
	return produced, nil
}

// awsMetadataBase is the EC2 instance-metadata service endpoint spec.md
// §4.9 names.
const awsMetadataBase = "http://169.254.169.254/latest/meta-data/"

// awsConnectTimeout is the 500ms connect timeout spec.md §4.9 specifies.
const awsConnectTimeout = 500 * time.Millisecond

// AwsCandidateHarvester specializes MappingHarvester for EC2 instances: it
// fetches the instance's local and public IPv4 addresses from the metadata
// service, caches them, and probes EC2-ness exactly once per process
// (spec.md §4.9), then behaves as an ordinary MappingHarvester.
type AwsCandidateHarvester struct {
	cfg    *Config
	log    logging.LeveledLogger
	client *http.Client

	once      sync.Once
	isEC2     bool
	face      net.IP
	mask      net.IP
	probeErr  error
}

// NewAwsCandidateHarvester constructs the AWS-specialized harvester. The
// actual metadata probe is deferred to the first Harvest call (one-shot
// guard per spec.md §9's Design Notes on the EC2 probe cache).
func NewAwsCandidateHarvester(cfg *Config) *AwsCandidateHarvester {
	return &AwsCandidateHarvester{
		cfg: cfg,
		log: newComponentLogger(cfg.loggerFactory(), "ice-gather-aws"),
		client: &http.Client{
			Timeout: awsConnectTimeout,
		},
	}
}

func (a *AwsCandidateHarvester) probe() {
	a.once.Do(func() {
		face, err := a.fetchMeta(context.Background(), "local-ipv4")
		if err != nil {
			a.probeErr = err
			return
		}
		mask, err := a.fetchMeta(context.Background(), "public-ipv4")
		if err != nil {
			a.probeErr = err
			return
		}
		a.face = net.ParseIP(face)
		a.mask = net.ParseIP(mask)
		a.isEC2 = a.face != nil && a.mask != nil
	})
}

func (a *AwsCandidateHarvester) fetchMeta(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, awsConnectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, awsMetadataBase+path, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ice: aws metadata %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ice: aws metadata %s: status %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Harvest probes EC2-ness (once per process) and, if running on EC2, emits
// StaticallyMapped Candidates exactly as MappingHarvester would.
func (a *AwsCandidateHarvester) Harvest(ctx context.Context, component *Component) ([]*Candidate, error) {
	a.probe()
	if !a.isEC2 {
		if a.probeErr != nil {
			a.log.Debugf("aws candidate harvester: not running on EC2: %s", a.probeErr)
		}
		return nil, nil
	}

	inner := NewMappingHarvester(a.cfg, a.face, a.mask)
	if inner == nil {
		return nil, nil
	}
	return inner.Harvest(ctx, component)
}

// StunMappingHarvester discovers face/mask with a full STUN Binding
// transaction (rather than trusting static config or EC2 metadata, spec.md
// §4.9). The transaction runs on each Harvest call; construction performs
// no discovery. A failed discovery sets stunDiscoveryFailed and excludes
// the harvester from subsequent harvests.
type StunMappingHarvester struct {
	cfg               *Config
	binding           *BindingTable
	server            TransportAddress
	log               logging.LeveledLogger
	stunDiscoveryFailed bool
}

// NewStunMappingHarvester constructs a STUN-backed mapping harvester
// targeting server.
func NewStunMappingHarvester(cfg *Config, binding *BindingTable, server TransportAddress) *StunMappingHarvester {
	return &StunMappingHarvester{
		cfg:     cfg,
		binding: binding,
		server:  server,
		log:     newComponentLogger(cfg.loggerFactory(), "ice-gather-stun-mapping"),
	}
}

// Harvest runs the discovery STUN transaction against component's matching
// Host Candidate, then emits StaticallyMapped Candidates for the discovered
// mask.
func (s *StunMappingHarvester) Harvest(ctx context.Context, component *Component) ([]*Candidate, error) {
	if s.stunDiscoveryFailed {
		return nil, ErrHarvesterDisabled
	}

	stunHarvester := NewStunHarvester(s.cfg, s.binding, s.server, nil)
	reflexive, err := stunHarvester.Harvest(ctx, component)
	if err != nil || len(reflexive) == 0 {
		s.stunDiscoveryFailed = true
		return nil, fmt.Errorf("ice: stun mapping discovery failed: %w", err)
	}

	var produced []*Candidate
	for _, refl := range reflexive {
		mapping := NewMappingHarvester(s.cfg, refl.Base.Local.IP, refl.Local.IP)
		if mapping == nil {
			continue
		}
		cands, _ := mapping.Harvest(ctx, component)
		produced = append(produced, cands...)
	}
	return produced, nil
}
