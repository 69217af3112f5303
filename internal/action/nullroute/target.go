package nullroute

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"FlowGuard/internal/config"
)

// Protocol is the transport used to reach a router.
type Protocol int

const (
	SSH Protocol = iota
	Telnet
)

func (p Protocol) String() string {
	if p == Telnet {
		return "telnet"
	}
	return "ssh"
}

// RouterType selects the command dialect spoken to a router.
type RouterType int

const (
	Cisco RouterType = iota
	Vyatta
)

func (t RouterType) String() string {
	if t == Vyatta {
		return "vyatta"
	}
	return "cisco"
}

// Target is a router with every setting resolved.
type Target struct {
	Host           string
	Port           int
	User           string
	Pass           string
	EnablePassword string
	PubKey         string
	PrivKey        string
	Tag            int
	Protocol       Protocol
	Type           RouterType
	KnownHosts     string
	Timeout        time.Duration
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Targets merges the global settings of cfg into each of its targets.
func Targets(cfg config.NullRouteConfig) ([]Target, error) {
	timeout, err := config.ParsePositiveDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid nullroute timeout: %w", err)
	}
	proto, err := parseProtocol(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	rtype, err := parseRouterType(cfg.Type)
	if err != nil {
		return nil, err
	}
	defaults := Target{
		Port:           cfg.Port,
		User:           cfg.User,
		Pass:           cfg.Pass,
		EnablePassword: cfg.EnablePassword,
		PubKey:         cfg.PubKey,
		PrivKey:        cfg.PrivKey,
		Protocol:       proto,
		Type:           rtype,
		KnownHosts:     cfg.KnownHosts,
		Timeout:        timeout,
	}
	if cfg.NullRouteTag != nil {
		defaults.Tag = *cfg.NullRouteTag
	}

	targets := make([]Target, 0, len(cfg.Targets))
	for _, rt := range cfg.Targets {
		if rt.Host == "" {
			return nil, fmt.Errorf("nullroute target without host")
		}
		t := defaults
		t.Host = rt.Host
		override(&t.User, rt.User)
		override(&t.Pass, rt.Pass)
		override(&t.EnablePassword, rt.EnablePassword)
		override(&t.PubKey, rt.PubKey)
		override(&t.PrivKey, rt.PrivKey)
		if rt.Port > 0 {
			t.Port = rt.Port
		}
		if rt.NullRouteTag != nil {
			t.Tag = *rt.NullRouteTag
		}
		if rt.Protocol != "" {
			if t.Protocol, err = parseProtocol(rt.Protocol); err != nil {
				return nil, fmt.Errorf("target %s: %w", rt.Host, err)
			}
		}
		if rt.Type != "" {
			if t.Type, err = parseRouterType(rt.Type); err != nil {
				return nil, fmt.Errorf("target %s: %w", rt.Host, err)
			}
		}
		if t.Port <= 0 {
			t.Port = defaultPort(t.Protocol)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func override(field *string, value string) {
	if value != "" {
		*field = value
	}
}

func defaultPort(p Protocol) int {
	if p == Telnet {
		return 23
	}
	return 22
}

func parseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "", "ssh":
		return SSH, nil
	case "telnet":
		return Telnet, nil
	}
	return SSH, fmt.Errorf("unknown router protocol '%s'", s)
}

func parseRouterType(s string) (RouterType, error) {
	switch strings.ToLower(s) {
	case "", "cisco":
		return Cisco, nil
	case "vyatta":
		return Vyatta, nil
	}
	return Cisco, fmt.Errorf("unknown router type '%s'", s)
}
