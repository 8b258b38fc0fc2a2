package wg

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"
)

// AmneziaConfig holds the AmneziaWG obfuscation parameter set. All values
// must match between peers, except Jc which may vary.
//
// Valid ranges:
//   - Jc: 1 ≤ Jc ≤ 128 (recommended 3-10)
//   - Jmin < Jmax ≤ 1280 (recommended 50 / 1000)
//   - S1, S2 < 1280 (recommended 15-150); S1 + 56 ≠ S2
//   - H1..H4 pairwise distinct, each in [5, 2^31-1]
type AmneziaConfig struct {
	// Jc is the count of junk packets sent before the handshake init.
	JunkPacketCount int `yaml:"jc"`
	// Jmin is the minimum junk packet size in bytes.
	JunkPacketMinSize int `yaml:"jmin"`
	// Jmax is the maximum junk packet size in bytes.
	JunkPacketMaxSize int `yaml:"jmax"`
	// S1 is the number of junk bytes prepended to the handshake init.
	InitPacketJunkSize int `yaml:"s1"`
	// S2 is the number of junk bytes prepended to the handshake response.
	ResponsePacketJunkSize int `yaml:"s2"`
	// H1 re-maps the handshake init packet type header.
	InitPacketMagicHeader int64 `yaml:"h1"`
	// H2 re-maps the handshake response packet type header.
	ResponsePacketMagicHeader int64 `yaml:"h2"`
	// H3 re-maps the under-load packet type header.
	UnderLoadPacketMagicHeader int64 `yaml:"h3"`
	// H4 re-maps the transport packet type header.
	TransportPacketMagicHeader int64 `yaml:"h4"`
}

// AmneziaOff disables all obfuscation. Encodes to nothing.
var AmneziaOff = AmneziaConfig{
	JunkPacketCount:            0,
	JunkPacketMinSize:          0,
	JunkPacketMaxSize:          0,
	InitPacketJunkSize:         0,
	ResponsePacketJunkSize:     0,
	InitPacketMagicHeader:      1,
	ResponsePacketMagicHeader:  2,
	UnderLoadPacketMagicHeader: 3,
	TransportPacketMagicHeader: 4,
}

// AmneziaBase enables only the junk packets, staying compatible with plain
// WireGuard peers. Encodes jc/jmin/jmax only.
var AmneziaBase = AmneziaConfig{
	JunkPacketCount:            4,
	JunkPacketMinSize:          40,
	JunkPacketMaxSize:          70,
	InitPacketJunkSize:         0,
	ResponsePacketJunkSize:     0,
	InitPacketMagicHeader:      1,
	ResponsePacketMagicHeader:  2,
	UnderLoadPacketMagicHeader: 3,
	TransportPacketMagicHeader: 4,
}

const magicHeaderMax = 1<<31 - 1

// RandAmneziaConfig creates a randomized configuration within the
// recommended ranges. Collisions among H1..H4 are practically impossible
// given the range; retry a few times and give up loudly if the rng is broken.
func RandAmneziaConfig(rng *rand.Rand) AmneziaConfig {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	for i := 0; i < 16; i++ {
		c := AmneziaConfig{
			JunkPacketCount:            3 + rng.Intn(7),
			JunkPacketMinSize:          rng.Intn(900),
			JunkPacketMaxSize:          1000,
			InitPacketJunkSize:         15 + rng.Intn(135),
			ResponsePacketJunkSize:     15 + rng.Intn(135),
			InitPacketMagicHeader:      5 + rng.Int63n(magicHeaderMax-5),
			ResponsePacketMagicHeader:  5 + rng.Int63n(magicHeaderMax-5),
			UnderLoadPacketMagicHeader: 5 + rng.Int63n(magicHeaderMax-5),
			TransportPacketMagicHeader: 5 + rng.Int63n(magicHeaderMax-5),
		}
		if c.Validate() == nil {
			return c
		}
	}
	panic("randomized amnezia config kept colliding; broken rng")
}

// IsOff reports whether the config disables obfuscation entirely.
func (c AmneziaConfig) IsOff() bool { return c == AmneziaOff }

// IsBase reports whether the config is the junk-packets-only preset.
func (c AmneziaConfig) IsBase() bool { return c == AmneziaBase }

// Validate checks the parameter invariants.
func (c AmneziaConfig) Validate() error {
	if c.IsOff() || c.IsBase() {
		return nil
	}
	if c.JunkPacketCount < 1 || c.JunkPacketCount > 128 {
		return fmt.Errorf("jc %d out of range [1, 128]", c.JunkPacketCount)
	}
	if c.JunkPacketMaxSize > 1280 || c.JunkPacketMinSize >= c.JunkPacketMaxSize {
		return fmt.Errorf("junk sizes invalid: jmin %d, jmax %d", c.JunkPacketMinSize, c.JunkPacketMaxSize)
	}
	if c.InitPacketJunkSize >= 1280 {
		return fmt.Errorf("s1 %d out of range [0, 1280)", c.InitPacketJunkSize)
	}
	if c.ResponsePacketJunkSize >= 1280 {
		return fmt.Errorf("s2 %d out of range [0, 1280)", c.ResponsePacketJunkSize)
	}
	if c.InitPacketJunkSize+56 == c.ResponsePacketJunkSize {
		return fmt.Errorf("s1 %d + 56 equals s2", c.InitPacketJunkSize)
	}
	headers := []int64{
		c.InitPacketMagicHeader,
		c.ResponsePacketMagicHeader,
		c.UnderLoadPacketMagicHeader,
		c.TransportPacketMagicHeader,
	}
	for i, h := range headers {
		if h < 5 || h > magicHeaderMax {
			return fmt.Errorf("h%d %d out of range [5, 2^31-1]", i+1, h)
		}
		for j := i + 1; j < len(headers); j++ {
			if h == headers[j] {
				return fmt.Errorf("h%d and h%d collide at %d", i+1, j+1, h)
			}
		}
	}
	return nil
}

// AppendTo adds the UAPI attributes for the config. OFF encodes nothing;
// BASE encodes only jc/jmin/jmax.
func (c AmneziaConfig) AppendTo(b *UapiConfigBuilder) {
	if c.IsOff() {
		return
	}
	b.AddInt("jc", c.JunkPacketCount)
	b.AddInt("jmin", c.JunkPacketMinSize)
	b.AddInt("jmax", c.JunkPacketMaxSize)
	if c.IsBase() {
		return
	}
	b.AddInt("s1", c.InitPacketJunkSize)
	b.AddInt("s2", c.ResponsePacketJunkSize)
	b.AddInt("h1", int(c.InitPacketMagicHeader))
	b.AddInt("h2", int(c.ResponsePacketMagicHeader))
	b.AddInt("h3", int(c.UnderLoadPacketMagicHeader))
	b.AddInt("h4", int(c.TransportPacketMagicHeader))
}

// ParseAmneziaUapi reconstructs a config from UAPI attributes. Attributes
// absent from the document keep their OFF defaults, so OFF and BASE
// round-trip exactly.
func ParseAmneziaUapi(pairs []UapiPair) (AmneziaConfig, error) {
	c := AmneziaOff
	for _, p := range pairs {
		n, err := strconv.ParseInt(p.Value, 10, 64)
		if err != nil {
			switch p.Key {
			case "jc", "jmin", "jmax", "s1", "s2", "h1", "h2", "h3", "h4":
				return c, fmt.Errorf("bad %s value %q: %w", p.Key, p.Value, err)
			}
			continue
		}
		switch p.Key {
		case "jc":
			c.JunkPacketCount = int(n)
		case "jmin":
			c.JunkPacketMinSize = int(n)
		case "jmax":
			c.JunkPacketMaxSize = int(n)
		case "s1":
			c.InitPacketJunkSize = int(n)
		case "s2":
			c.ResponsePacketJunkSize = int(n)
		case "h1":
			c.InitPacketMagicHeader = n
		case "h2":
			c.ResponsePacketMagicHeader = n
		case "h3":
			c.UnderLoadPacketMagicHeader = n
		case "h4":
			c.TransportPacketMagicHeader = n
		}
	}
	return c, nil
}
