package wg

import (
	"math/rand"
	"testing"
)

func TestAmneziaEncodeOff(t *testing.T) {
	b := NewUapiConfigBuilder()
	AmneziaOff.AppendTo(b)
	if got := b.String(); got != "\n" {
		t.Fatalf("OFF encoding = %q, want blank terminator only", got)
	}
}

func TestAmneziaEncodeBase(t *testing.T) {
	b := NewUapiConfigBuilder()
	AmneziaBase.AppendTo(b)
	if got, want := b.String(), "jc=4\njmin=40\njmax=70\n\n"; got != want {
		t.Fatalf("BASE encoding = %q, want %q", got, want)
	}
}

func TestAmneziaEncodeFull(t *testing.T) {
	c := AmneziaConfig{
		JunkPacketCount:            1,
		JunkPacketMinSize:          20,
		JunkPacketMaxSize:          30,
		InitPacketJunkSize:         40,
		ResponsePacketJunkSize:     50,
		InitPacketMagicHeader:      11,
		ResponsePacketMagicHeader:  12,
		UnderLoadPacketMagicHeader: 13,
		TransportPacketMagicHeader: 14,
	}
	b := NewUapiConfigBuilder()
	c.AppendTo(b)
	want := "jc=1\njmin=20\njmax=30\ns1=40\ns2=50\nh1=11\nh2=12\nh3=13\nh4=14\n\n"
	if got := b.String(); got != want {
		t.Fatalf("full encoding = %q, want %q", got, want)
	}
}

// Any config accepted by Validate serializes to UAPI and parses back to the
// same config.
func TestAmneziaUapiRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	configs := []AmneziaConfig{AmneziaOff, AmneziaBase}
	for i := 0; i < 20; i++ {
		configs = append(configs, RandAmneziaConfig(rng))
	}

	for i, c := range configs {
		if err := c.Validate(); err != nil {
			t.Fatalf("config %d rejected by Validate: %v", i, err)
		}
		b := NewUapiConfigBuilder()
		c.AppendTo(b)
		parsed, err := ParseAmneziaUapi(ParseUapi(b.String()))
		if err != nil {
			t.Fatalf("config %d: parse back: %v", i, err)
		}
		if parsed != c {
			t.Fatalf("config %d round trip mismatch:\n got %+v\nwant %+v", i, parsed, c)
		}
	}
}

func TestAmneziaValidate(t *testing.T) {
	valid := AmneziaConfig{
		JunkPacketCount:            4,
		JunkPacketMinSize:          50,
		JunkPacketMaxSize:          1000,
		InitPacketJunkSize:         30,
		ResponsePacketJunkSize:     40,
		InitPacketMagicHeader:      11,
		ResponsePacketMagicHeader:  12,
		UnderLoadPacketMagicHeader: 13,
		TransportPacketMagicHeader: 14,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*AmneziaConfig)
	}{
		{"jc zero", func(c *AmneziaConfig) { c.JunkPacketCount = 0 }},
		{"jc too big", func(c *AmneziaConfig) { c.JunkPacketCount = 129 }},
		{"jmin >= jmax", func(c *AmneziaConfig) { c.JunkPacketMinSize = c.JunkPacketMaxSize }},
		{"jmax too big", func(c *AmneziaConfig) { c.JunkPacketMaxSize = 1281 }},
		{"s1 too big", func(c *AmneziaConfig) { c.InitPacketJunkSize = 1280 }},
		{"s2 too big", func(c *AmneziaConfig) { c.ResponsePacketJunkSize = 1280 }},
		{"h collision", func(c *AmneziaConfig) { c.ResponsePacketMagicHeader = c.InitPacketMagicHeader }},
		{"h below range", func(c *AmneziaConfig) { c.TransportPacketMagicHeader = 4 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid
			tc.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

// Randomized configs stay within the documented ranges and keep the magic
// headers pairwise distinct.
func TestRandAmneziaConfig(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 100; i++ {
		c := RandAmneziaConfig(rng)
		if err := c.Validate(); err != nil {
			t.Fatalf("randomized config invalid: %v", err)
		}
		headers := []int64{
			c.InitPacketMagicHeader,
			c.ResponsePacketMagicHeader,
			c.UnderLoadPacketMagicHeader,
			c.TransportPacketMagicHeader,
		}
		for j := range headers {
			for k := j + 1; k < len(headers); k++ {
				if headers[j] == headers[k] {
					t.Fatalf("magic header collision in randomized config: %+v", c)
				}
			}
		}
	}
}
