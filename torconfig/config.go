// Package torconfig parses and holds the configuration knobs spec §6
// enumerates. Parsing follows the line-oriented "key value" style the
// teacher uses for consensus and descriptor documents rather than
// introducing a new file format or a third-party config library — no
// example repo in the reference corpus reaches for one either.
package torconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds every knob spec §6 recognizes. Fields not mentioned by the
// spec's "recognized only" list are deliberately absent.
type Config struct {
	SocksPort   int
	ControlPort int

	ExcludeNodes []string
	ExitNodes    []string
	EntryNodes   []string
	StrictNodes  bool

	MaxCircuitDirtiness time.Duration
	NumEntryGuards      int
	CircuitBuildTimeout time.Duration
	LongLivedPorts      []int

	// HidServAuth maps an onion address to its client-authorization cookie.
	HidServAuth map[string]string
}

// DefaultConfig returns the conservative defaults spec §3/§4.6 names:
// dirtiness horizon 10 minutes, 3 entry guards, adaptive build timeout
// seeded at 60s.
func DefaultConfig() *Config {
	return &Config{
		SocksPort:           9050,
		MaxCircuitDirtiness: 10 * time.Minute,
		NumEntryGuards:      3,
		CircuitBuildTimeout: 60 * time.Second,
		HidServAuth:         make(map[string]string),
	}
}

// Merge re-parses text (one "Key Value" directive per line, '#' comments,
// blank lines ignored) into c, implementing the host contract's set_conf.
// When useDefaults is true, unmentioned keys are first reset to
// DefaultConfig's values; otherwise only the mentioned keys change.
func (c *Config) Merge(text string, useDefaults bool) error {
	if useDefaults {
		*c = *DefaultConfig()
	}

	for lineNo, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			return fmt.Errorf("line %d: expected \"Key Value\", got %q", lineNo+1, line)
		}
		key, value := parts[0], strings.TrimSpace(parts[1])
		if err := c.setOne(key, value); err != nil {
			return fmt.Errorf("line %d (%s): %w", lineNo+1, key, err)
		}
	}
	return nil
}

func (c *Config) setOne(key, value string) error {
	switch key {
	case "SocksPort":
		p, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.SocksPort = p
	case "ControlPort":
		p, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.ControlPort = p
	case "ExcludeNodes":
		c.ExcludeNodes = splitList(value)
	case "ExitNodes":
		c.ExitNodes = splitList(value)
	case "EntryNodes":
		c.EntryNodes = splitList(value)
	case "StrictNodes":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		c.StrictNodes = b
	case "MaxCircuitDirtiness":
		secs, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.MaxCircuitDirtiness = time.Duration(secs) * time.Second
	case "NumEntryGuards":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.NumEntryGuards = n
	case "CircuitBuildTimeout":
		secs, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.CircuitBuildTimeout = time.Duration(secs) * time.Second
	case "LongLivedPorts":
		for _, s := range splitList(value) {
			p, err := strconv.Atoi(s)
			if err != nil {
				return err
			}
			c.LongLivedPorts = append(c.LongLivedPorts, p)
		}
	case "HidServAuth":
		fields := strings.Fields(value)
		if len(fields) != 2 {
			return fmt.Errorf("expected \"onion-address cookie\", got %q", value)
		}
		if c.HidServAuth == nil {
			c.HidServAuth = make(map[string]string)
		}
		c.HidServAuth[fields[0]] = fields[1]
	default:
		return fmt.Errorf("unrecognized config key")
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, s := range strings.Split(value, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
