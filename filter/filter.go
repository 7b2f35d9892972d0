// Package filter keeps the host kernel from resetting connections owned by
// the user-space TCP engine. A raw socket receives a copy of every inbound
// segment, and the kernel, knowing no socket for the port, answers with a
// RST. The filter drops those kernel RSTs on the way out.
package filter

import (
	"fmt"
	"strconv"
	"strings"
)

type Filter interface {
	AddTcpClientFiltering(dstAddr string, dstPort int) error    // blocks RSTs the client kernel sends to the server.
	RemoveTcpClientFiltering(dstAddr string, dstPort int) error // removes a rule added by AddTcpClientFiltering.
	AddTcpServerFiltering(srcAddr string, srcPort int) error    // blocks RSTs the server kernel sends from a listening port.
	RemoveTcpServerFiltering(srcAddr string, srcPort int) error // removes a rule added by AddTcpServerFiltering.
	FinishFiltering() error                                     // flushes all rules and stops filtering.
}

// side says which end of the connection a rule protects.
type side int

const (
	clientSide side = iota // match on destination address and port
	serverSide             // match on source address and port
)

func ruleKey(addr string, port int) string {
	return fmt.Sprintf("%s:%d", addr, port)
}

// iptablesRuleArgs builds the iptables arguments that append (-A), check (-C)
// or delete (-D) the RST drop rule for one address and port.
func iptablesRuleArgs(action string, s side, addr string, port int, comment string) []string {
	args := []string{action, "OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST"}
	if s == clientSide {
		args = append(args, "-d", addr, "--dport", strconv.Itoa(port))
	} else {
		args = append(args, "-s", addr, "--sport", strconv.Itoa(port))
	}
	return append(args, "-m", "comment", "--comment", comment, "-j", "DROP")
}

// pfRule is the pf rule blocking outbound RSTs for one address and port.
func pfRule(s side, addr string, port int) string {
	if s == clientSide {
		return fmt.Sprintf("block drop out quick inet proto tcp from any to %s port = %d flags R/R", addr, port)
	}
	return fmt.Sprintf("block drop out quick inet proto tcp from %s port = %d to any flags R/R", addr, port)
}

// hasComment reports whether an iptables -S line, split into fields, carries comment.
func hasComment(fields []string, comment string) bool {
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "--comment" && strings.Trim(fields[i+1], "\"") == comment {
			return true
		}
	}
	return false
}

// nftTableName turns an identifier into a valid nftables table name.
func nftTableName(identifier string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + 'a' - 'A'
		}
		return '_'
	}, identifier)
	if name == "" {
		return "rst_filter"
	}
	return name
}

// nftMatch is the address and port match of the RST drop rule, in the form
// nft prints it back.
func nftMatch(s side, addr string, port int) string {
	if s == clientSide {
		return fmt.Sprintf("ip daddr %s tcp dport %d", addr, port)
	}
	return fmt.Sprintf("ip saddr %s tcp sport %d", addr, port)
}

// nftRuleHandle finds the rule containing match in the output of
// "nft -a list chain" and returns its handle.
func nftRuleHandle(listing, match string) (string, bool) {
	for _, line := range strings.Split(listing, "\n") {
		if !strings.Contains(line, match+" ") {
			continue
		}
		fields := strings.Fields(line)
		for i := 0; i+1 < len(fields); i++ {
			if fields[i] == "handle" {
				return fields[i+1], true
			}
		}
	}
	return "", false
}
