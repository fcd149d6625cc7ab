// package routeplanner picks the local address outbound requests are sent from, rotating away from
// addresses an upstream has rate limited.
package routeplanner

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/desertthunder/waveline/internal/shared"
)

// Strategy names a rotation strategy.
type Strategy string

const (
	RotateOnBan        Strategy = "RotateOnBan"
	LoadBalance        Strategy = "LoadBalance"
	NanoSwitch         Strategy = "NanoSwitch"
	RotatingNanoSwitch Strategy = "RotatingNanoSwitch"
)

// FailingExpiry is how long an address stays marked as failing.
const FailingExpiry = 7 * 24 * time.Hour

// maxScan bounds how many candidates a single Next call inspects.
const maxScan = 1 << 16

// Planner hands out local addresses according to a [Strategy].
type Planner struct {
	mu sync.Mutex

	strategy           Strategy
	blocks             []*net.IPNet
	sizes              []*big.Int
	total              *big.Int
	excluded           map[string]bool
	failing            map[string]time.Time
	searchTriggersFail bool
	retryLimit         int

	// RotateOnBan
	rotateIndex *big.Int
	ipIndex     *big.Int
	current     net.IP

	// RotatingNanoSwitch
	blockIndex *big.Int

	now func() time.Time
}

// New builds a planner from the ratelimit config. It returns nil and no error when no blocks are configured.
func New(cfg shared.RateLimitConfig) (*Planner, error) {
	if len(cfg.IPBlocks) == 0 {
		return nil, nil
	}

	p := &Planner{
		strategy:           Strategy(cfg.Strategy),
		total:              new(big.Int),
		excluded:           make(map[string]bool),
		failing:            make(map[string]time.Time),
		searchTriggersFail: cfg.SearchTriggersFail,
		retryLimit:         cfg.RetryLimit,
		rotateIndex:        new(big.Int),
		ipIndex:            new(big.Int),
		blockIndex:         new(big.Int),
		now:                time.Now,
	}

	for _, block := range cfg.IPBlocks {
		_, ipnet, err := net.ParseCIDR(block)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid ip block %q: %v", shared.ErrInvalidConfig, block, err)
		}
		ones, bits := ipnet.Mask.Size()
		size := new(big.Int).Lsh(big.NewInt(1), uint(bits-ones))
		p.blocks = append(p.blocks, ipnet)
		p.sizes = append(p.sizes, size)
		p.total.Add(p.total, size)
	}

	for _, ip := range cfg.ExcludedIPs {
		parsed := net.ParseIP(ip)
		if parsed == nil {
			return nil, fmt.Errorf("%w: invalid excluded ip %q", shared.ErrInvalidConfig, ip)
		}
		p.excluded[parsed.String()] = true
	}

	switch p.strategy {
	case RotateOnBan, LoadBalance:
	case NanoSwitch, RotatingNanoSwitch:
		if len(p.blocks) != 1 || p.blocks[0].IP.To4() != nil {
			return nil, fmt.Errorf("%w: %s requires exactly one IPv6 block", shared.ErrInvalidConfig, p.strategy)
		}
		ones, _ := p.blocks[0].Mask.Size()
		if ones > 64 {
			return nil, fmt.Errorf("%w: %s requires a block of /64 or larger", shared.ErrInvalidConfig, p.strategy)
		}
		if p.strategy == RotatingNanoSwitch && ones == 64 {
			return nil, fmt.Errorf("%w: %s requires a block larger than /64", shared.ErrInvalidConfig, p.strategy)
		}
	default:
		return nil, fmt.Errorf("%w: unknown route planner strategy %q", shared.ErrInvalidConfig, p.strategy)
	}

	return p, nil
}

// Strategy returns the configured strategy.
func (p *Planner) Strategy() Strategy {
	return p.strategy
}

// RetryLimit returns how many times a rate limited request is retried on a new address.
//
// A negative config value selects the default of 3; zero allows up to 100 retries.
func (p *Planner) RetryLimit() int {
	switch {
	case p.retryLimit < 0:
		return 3
	case p.retryLimit == 0:
		return 100
	default:
		return p.retryLimit
	}
}

// SearchTriggersFail reports whether rate limited search requests mark their address as failing.
func (p *Planner) SearchTriggersFail() bool {
	return p.searchTriggersFail
}

// Next returns the address to use for the next request.
func (p *Planner) Next() (net.IP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.strategy {
	case RotateOnBan:
		return p.nextRotating()
	case LoadBalance:
		return p.nextBalanced()
	case NanoSwitch:
		return p.nextNano(p.blocks[0].IP, 64-p.prefix())
	default:
		return p.nextRotatingNano()
	}
}

func (p *Planner) prefix() int {
	ones, _ := p.blocks[0].Mask.Size()
	return ones
}

func (p *Planner) usable(ip net.IP) bool {
	key := ip.String()
	if p.excluded[key] {
		return false
	}
	_, failing := p.failing[key]
	return !failing
}

func (p *Planner) nextRotating() (net.IP, error) {
	if p.current != nil && p.usable(p.current) {
		return p.current, nil
	}

	for range maxScan {
		if p.ipIndex.Cmp(p.total) >= 0 {
			p.ipIndex.SetInt64(0)
			p.rotateIndex.Add(p.rotateIndex, big.NewInt(1))
		}
		ip := p.addressAt(p.ipIndex)
		p.ipIndex.Add(p.ipIndex, big.NewInt(1))
		if p.usable(ip) {
			p.current = ip
			return ip, nil
		}
		if p.exhausted() {
			break
		}
	}

	return nil, shared.ErrNoAddress
}

func (p *Planner) nextBalanced() (net.IP, error) {
	if p.exhausted() {
		return nil, shared.ErrNoAddress
	}

	for range maxScan {
		idx, err := rand.Int(rand.Reader, p.total)
		if err != nil {
			return nil, fmt.Errorf("failed to pick address: %w", err)
		}
		if ip := p.addressAt(idx); p.usable(ip) {
			return ip, nil
		}
	}

	return nil, shared.ErrNoAddress
}

// nextNano picks the /64 selected by blockIndex and fills its host half with the current nanotime.
func (p *Planner) nextNano(base net.IP, subnetBits int) (net.IP, error) {
	addr := ipToInt(base)
	if subnetBits > 0 {
		subnet := new(big.Int).Mod(p.blockIndex, new(big.Int).Lsh(big.NewInt(1), uint(subnetBits)))
		addr.Or(addr, subnet.Lsh(subnet, 64))
	}

	for range 16 {
		nano := new(big.Int).SetUint64(uint64(p.now().UnixNano()))
		ip := intToIP(new(big.Int).Or(addr, nano), net.IPv6len)
		if p.usable(ip) {
			return ip, nil
		}
	}

	return nil, shared.ErrNoAddress
}

func (p *Planner) nextRotatingNano() (net.IP, error) {
	return p.nextNano(p.blocks[0].IP, 64-p.prefix())
}

// exhausted reports whether every address is failing or excluded. Only meaningful for small blocks.
func (p *Planner) exhausted() bool {
	unusable := big.NewInt(int64(len(p.failing) + len(p.excluded)))
	return unusable.Cmp(p.total) >= 0
}

// addressAt maps a global index onto the configured blocks.
func (p *Planner) addressAt(idx *big.Int) net.IP {
	rem := new(big.Int).Set(idx)
	for i, block := range p.blocks {
		if rem.Cmp(p.sizes[i]) < 0 {
			length := net.IPv6len
			if block.IP.To4() != nil {
				length = net.IPv4len
			}
			base := ipToInt(block.IP)
			return intToIP(base.Add(base, rem), length)
		}
		rem.Sub(rem, p.sizes[i])
	}
	return nil
}

// MarkFailing records ip as rate limited. Rotating strategies move on to a new address or block.
func (p *Planner) MarkFailing(ip net.IP) {
	if ip == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.failing[ip.String()] = p.now()

	switch p.strategy {
	case RotateOnBan:
		if p.current.Equal(ip) {
			p.current = nil
		}
	case RotatingNanoSwitch:
		p.blockIndex.Add(p.blockIndex, big.NewInt(1))
	}
}

// FreeAddress unmarks a failing address.
func (p *Planner) FreeAddress(ip net.IP) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failing, ip.String())
}

// FreeAll unmarks every failing address.
func (p *Planner) FreeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = make(map[string]time.Time)
}

// Prune drops failing marks older than [FailingExpiry] and returns how many were removed.
func (p *Planner) Prune() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-FailingExpiry)
	removed := 0
	for ip, at := range p.failing {
		if at.Before(cutoff) {
			delete(p.failing, ip)
			removed++
		}
	}
	return removed
}

// FailingAddress is a rate limited address in a [Status].
type FailingAddress struct {
	Address   string `json:"failingAddress"`
	Timestamp int64  `json:"failingTimestamp"`
	Time      string `json:"failingTime"`
}

// IPBlock describes the configured address space.
type IPBlock struct {
	Type string `json:"type"`
	Size string `json:"size"`
}

// Details is the strategy specific part of a [Status]. Unused fields are omitted.
type Details struct {
	IPBlock             IPBlock          `json:"ipBlock"`
	FailingAddresses    []FailingAddress `json:"failingAddresses"`
	RotateIndex         string           `json:"rotateIndex,omitempty"`
	IPIndex             string           `json:"ipIndex,omitempty"`
	CurrentAddress      string           `json:"currentAddress,omitempty"`
	CurrentAddressIndex string           `json:"currentAddressIndex,omitempty"`
	BlockIndex          string           `json:"blockIndex,omitempty"`
}

// Status is the route planner state reported over REST.
type Status struct {
	Class   string  `json:"class"`
	Details Details `json:"details"`
}

// Status snapshots the planner.
func (p *Planner) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	blockType := "Inet6Address"
	if p.blocks[0].IP.To4() != nil {
		blockType = "Inet4Address"
	}

	details := Details{
		IPBlock:          IPBlock{Type: blockType, Size: p.total.String()},
		FailingAddresses: make([]FailingAddress, 0, len(p.failing)),
	}
	for ip, at := range p.failing {
		details.FailingAddresses = append(details.FailingAddresses, FailingAddress{
			Address:   "/" + ip,
			Timestamp: at.UnixMilli(),
			Time:      at.Format(time.UnixDate),
		})
	}
	sort.Slice(details.FailingAddresses, func(i, j int) bool {
		return details.FailingAddresses[i].Timestamp < details.FailingAddresses[j].Timestamp
	})

	var class string
	switch p.strategy {
	case RotateOnBan:
		class = "RotatingIpRoutePlanner"
		details.RotateIndex = p.rotateIndex.String()
		details.IPIndex = p.ipIndex.String()
		if p.current != nil {
			details.CurrentAddress = p.current.String()
		}
	case LoadBalance:
		class = "BalancingIpRoutePlanner"
	case NanoSwitch:
		class = "NanoIpRoutePlanner"
		details.CurrentAddressIndex = fmt.Sprint(p.now().UnixNano())
	case RotatingNanoSwitch:
		class = "RotatingNanoIpRoutePlanner"
		details.BlockIndex = p.blockIndex.String()
		details.CurrentAddressIndex = fmt.Sprint(p.now().UnixNano())
	}

	return Status{Class: class, Details: details}
}

type localAddrKey struct{}

// LocalAddr returns the address a request was bound to by [Planner.DialContext], if any.
func LocalAddr(ctx context.Context) net.IP {
	if holder, ok := ctx.Value(localAddrKey{}).(*net.IP); ok {
		return *holder
	}
	return nil
}

// WithAddrHolder attaches a slot that [Planner.DialContext] fills with the chosen address.
func WithAddrHolder(ctx context.Context) context.Context {
	var ip net.IP
	return context.WithValue(ctx, localAddrKey{}, &ip)
}

// DialContext dials from the next planned address. It is meant for [net/http.Transport.DialContext].
func (p *Planner) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	ip, err := p.Next()
	if err != nil {
		return nil, err
	}

	if holder, ok := ctx.Value(localAddrKey{}).(*net.IP); ok {
		*holder = ip
	}

	if ip.To4() != nil {
		network = "tcp4"
	} else {
		network = "tcp6"
	}

	dialer := &net.Dialer{
		LocalAddr: &net.TCPAddr{IP: ip},
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return dialer.DialContext(ctx, network, addr)
}

func ipToInt(ip net.IP) *big.Int {
	if v4 := ip.To4(); v4 != nil {
		return new(big.Int).SetBytes(v4)
	}
	return new(big.Int).SetBytes(ip.To16())
}

func intToIP(n *big.Int, length int) net.IP {
	b := n.Bytes()
	if len(b) > length {
		b = b[len(b)-length:]
	}
	ip := make(net.IP, length)
	copy(ip[length-len(b):], b)
	return ip
}
