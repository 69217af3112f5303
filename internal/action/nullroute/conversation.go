package nullroute

import (
	"fmt"
	"net/netip"

	"FlowGuard/internal/action"
)

// session is an open command line on a router.
type session interface {
	WriteLine(line string) error
	Close() error
}

// commands returns the lines that add (ban) or remove (unban) the null route
// for addr on a router of the target's type.
func commands(t Target, kind action.Kind, addr netip.Addr) []string {
	addr = addr.Unmap()
	if t.Type == Vyatta {
		return vyatta(kind, addr)
	}
	return cisco(t, kind, addr)
}

func cisco(t Target, kind action.Kind, addr netip.Addr) []string {
	var lines []string
	if t.EnablePassword != "" {
		lines = append(lines, "enable", t.EnablePassword)
	}
	lines = append(lines, "conf t")

	prefix := ""
	if kind == action.Unban {
		prefix = "no "
	}
	var route string
	if addr.Is4() {
		route = fmt.Sprintf("%sip route %s 255.255.255.255 Null0", prefix, addr)
	} else {
		route = fmt.Sprintf("%sipv6 route %s/128 Null0", prefix, addr)
	}
	if t.Tag != 0 {
		route += fmt.Sprintf(" tag %d", t.Tag)
	}
	return append(lines, route, "exit", "exit")
}

func vyatta(kind action.Kind, addr netip.Addr) []string {
	family, bits := "route", 32
	if !addr.Is4() {
		family, bits = "route6", 128
	}
	var route string
	if kind == action.Unban {
		route = fmt.Sprintf("delete protocols static %s %s/%d", family, addr, bits)
	} else {
		route = fmt.Sprintf("set protocols static %s %s/%d blackhole", family, addr, bits)
	}
	return []string{"configure", route, "commit", "save", "exit", "exit"}
}

// converse writes lines to s and always closes it.
func converse(s session, lines []string) error {
	for _, line := range lines {
		if err := s.WriteLine(line); err != nil {
			s.Close()
			return err
		}
	}
	return s.Close()
}
