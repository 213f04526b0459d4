package config

import (
	"strings"
	"testing"
)

func validJSON() string {
	return `{
		"cache_size": 8,
		"degree": 3,
		"min_connections": 2,
		"max_connections": 4,
		"search_cooldown": 5,
		"challenge_cooldown": 10,
		"bootstrapper": "203.0.113.1:9000",
		"p2p_address": "0.0.0.0:9000",
		"api_address": "127.0.0.1:9001",
		"known_peers": ["10.0.0.1:9000", "10.0.0.2:9000"]
	}`
}

func TestParseValid(t *testing.T) {
	t.Parallel()
	s, err := Parse(strings.NewReader(validJSON()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.MaxPush() != 2 || s.MaxPull() != 2 {
		t.Fatalf("MaxPush=%d MaxPull=%d, want 2,2", s.MaxPush(), s.MaxPull())
	}
	if s.ReadBufferSize != DefaultReadBufferSize {
		t.Fatalf("ReadBufferSize = %d, want default %d", s.ReadBufferSize, DefaultReadBufferSize)
	}
}

func TestMaxPushPullRounding(t *testing.T) {
	t.Parallel()
	s := &Settings{MaxConnections: 5}
	if s.MaxPush() != 2 {
		t.Fatalf("MaxPush() = %d, want 2", s.MaxPush())
	}
	if s.MaxPull() != 3 {
		t.Fatalf("MaxPull() = %d, want 3", s.MaxPull())
	}
}

func TestValidateRejectsBadFields(t *testing.T) {
	t.Parallel()
	base := func() Settings {
		return Settings{
			CacheSize: 8, Degree: 3, MinConnections: 2, MaxConnections: 4,
			SearchCooldownSec: 5, ChallengeCooldownSec: 10,
			P2PAddress: "0.0.0.0:9000", APIAddress: "127.0.0.1:9001",
		}
	}

	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"cache size zero", func(s *Settings) { s.CacheSize = 0 }},
		{"degree zero", func(s *Settings) { s.Degree = 0 }},
		{"min negative", func(s *Settings) { s.MinConnections = -1 }},
		{"max below 2", func(s *Settings) { s.MaxConnections = 1 }},
		{"max below min", func(s *Settings) { s.MaxConnections = 1; s.MinConnections = 2 }},
		{"search cooldown zero", func(s *Settings) { s.SearchCooldownSec = 0 }},
		{"challenge cooldown zero", func(s *Settings) { s.ChallengeCooldownSec = 0 }},
		{"bad p2p address", func(s *Settings) { s.P2PAddress = "not-an-address" }},
		{"bad api address", func(s *Settings) { s.APIAddress = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := base()
			tc.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestValidateRejectsDuplicateKnownPeers(t *testing.T) {
	t.Parallel()
	s := Settings{
		CacheSize: 8, Degree: 3, MinConnections: 2, MaxConnections: 4,
		SearchCooldownSec: 5, ChallengeCooldownSec: 10,
		P2PAddress: "0.0.0.0:9000", APIAddress: "127.0.0.1:9001",
		KnownPeers: []string{"10.0.0.1:9000", "10.0.0.1:9000"},
	}
	if err := s.Validate(); err == nil {
		t.Fatal("expected duplicate known_peers to be rejected")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	bad := strings.Replace(validJSON(), `"degree": 3,`, `"degree": 3, "typo_field": 1,`, 1)
	if _, err := Parse(strings.NewReader(bad)); err == nil {
		t.Fatal("expected decode error for unknown field")
	}
}
