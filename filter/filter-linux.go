//go:build linux
// +build linux

package filter

import (
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// iptablesFilter tags its rules with a comment so FinishFiltering can find them.
type iptablesFilter struct {
	comment string
}

// NewFilter prefers nftables and falls back to iptables.
func NewFilter(identifier string) (Filter, error) {
	if _, err := exec.LookPath("nft"); err == nil {
		f := &nftFilter{table: nftTableName(identifier)}
		err := f.ensureTableAndChain()
		if err == nil {
			log.Info().Str("table", f.table).Msg("using nftables for RST filtering")
			return f, nil
		}
		log.Warn().Err(err).Msg("nftables unusable, trying iptables")
	}
	if err := isIptablesEnabled(); err != nil {
		return nil, err
	}
	log.Info().Msg("using iptables for RST filtering")
	return &iptablesFilter{
		comment: identifier,
	}, nil
}

// isIptablesEnabled checks that iptables can list the filter table.
func isIptablesEnabled() error {
	output, err := exec.Command("iptables", "-S").CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "iptables is not enabled or available: %s", output)
	}
	log.Debug().Msg("iptables is enabled and available")
	return nil
}

// addRule appends the rule unless an identical one is already installed.
func (f *iptablesFilter) addRule(s side, addr string, port int) error {
	if exec.Command("iptables", iptablesRuleArgs("-C", s, addr, port, f.comment)...).Run() == nil {
		log.Debug().Str("rule", ruleKey(addr, port)).Msg("iptables rule already exists")
		return nil
	}

	args := iptablesRuleArgs("-A", s, addr, port, f.comment)
	if output, err := exec.Command("iptables", args...).CombinedOutput(); err != nil {
		return errors.Wrapf(err, "add iptables rule %s: %s", strings.Join(args, " "), output)
	}
	log.Info().Str("rule", strings.Join(args, " ")).Msg("added iptables rule")
	return nil
}

func (f *iptablesFilter) removeRule(s side, addr string, port int) error {
	args := iptablesRuleArgs("-D", s, addr, port, f.comment)
	if output, err := exec.Command("iptables", args...).CombinedOutput(); err != nil {
		return errors.Wrapf(err, "remove iptables rule %s: %s", strings.Join(args, " "), output)
	}
	log.Info().Str("rule", ruleKey(addr, port)).Msg("removed iptables rule")
	return nil
}

func (f *iptablesFilter) AddTcpClientFiltering(dstAddr string, dstPort int) error {
	return f.addRule(clientSide, dstAddr, dstPort)
}

func (f *iptablesFilter) RemoveTcpClientFiltering(dstAddr string, dstPort int) error {
	return f.removeRule(clientSide, dstAddr, dstPort)
}

func (f *iptablesFilter) AddTcpServerFiltering(srcAddr string, srcPort int) error {
	return f.addRule(serverSide, srcAddr, srcPort)
}

func (f *iptablesFilter) RemoveTcpServerFiltering(srcAddr string, srcPort int) error {
	return f.removeRule(serverSide, srcAddr, srcPort)
}

// FinishFiltering deletes every OUTPUT rule tagged with the filter's comment.
func (f *iptablesFilter) FinishFiltering() error {
	output, err := exec.Command("iptables", "-S", "OUTPUT").CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "list iptables rules: %s", output)
	}

	var failed []string
	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "-A" || !hasComment(fields, f.comment) {
			continue
		}
		fields[0] = "-D"
		for i := range fields {
			fields[i] = strings.Trim(fields[i], "\"")
		}
		if out, err := exec.Command("iptables", fields...).CombinedOutput(); err != nil {
			failed = append(failed, strings.Join(fields, " ")+": "+strings.TrimSpace(string(out)))
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("some rules failed to delete:\n%s", strings.Join(failed, "\n"))
	}
	return nil
}

// nftFilter keeps its rules in a table of its own, so removing a rule is a
// lookup by handle and finishing drops the whole table.
type nftFilter struct {
	table string
}

func nft(args ...string) ([]byte, error) {
	output, err := exec.Command("nft", args...).CombinedOutput()
	if err != nil {
		return output, errors.Wrapf(err, "nft %s: %s", strings.Join(args, " "), strings.TrimSpace(string(output)))
	}
	return output, nil
}

func (f *nftFilter) ensureTableAndChain() error {
	if _, err := nft("add", "table", "inet", f.table); err != nil {
		return err
	}
	_, err := nft("add", "chain", "inet", f.table, "output",
		"{", "type", "filter", "hook", "output", "priority", "0", ";", "}")
	return err
}

func (f *nftFilter) addRule(s side, addr string, port int) error {
	listing, err := nft("-a", "list", "chain", "inet", f.table, "output")
	if err != nil {
		return err
	}
	if _, ok := nftRuleHandle(string(listing), nftMatch(s, addr, port)); ok {
		log.Debug().Str("rule", ruleKey(addr, port)).Msg("nftables rule already exists")
		return nil
	}

	rule := nftMatch(s, addr, port) + " tcp flags & rst == rst drop"
	args := append([]string{"add", "rule", "inet", f.table, "output"}, strings.Fields(rule)...)
	if _, err := nft(args...); err != nil {
		return err
	}
	log.Info().Str("rule", rule).Msg("added nftables rule")
	return nil
}

func (f *nftFilter) removeRule(s side, addr string, port int) error {
	listing, err := nft("-a", "list", "chain", "inet", f.table, "output")
	if err != nil {
		return err
	}
	handle, ok := nftRuleHandle(string(listing), nftMatch(s, addr, port))
	if !ok {
		return errors.Errorf("rule not found: %s", ruleKey(addr, port))
	}
	if _, err := nft("delete", "rule", "inet", f.table, "output", "handle", handle); err != nil {
		return err
	}
	log.Info().Str("rule", ruleKey(addr, port)).Msg("removed nftables rule")
	return nil
}

func (f *nftFilter) AddTcpClientFiltering(dstAddr string, dstPort int) error {
	return f.addRule(clientSide, dstAddr, dstPort)
}

func (f *nftFilter) RemoveTcpClientFiltering(dstAddr string, dstPort int) error {
	return f.removeRule(clientSide, dstAddr, dstPort)
}

func (f *nftFilter) AddTcpServerFiltering(srcAddr string, srcPort int) error {
	return f.addRule(serverSide, srcAddr, srcPort)
}

func (f *nftFilter) RemoveTcpServerFiltering(srcAddr string, srcPort int) error {
	return f.removeRule(serverSide, srcAddr, srcPort)
}

func (f *nftFilter) FinishFiltering() error {
	_, err := nft("delete", "table", "inet", f.table)
	return err
}
