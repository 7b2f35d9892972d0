//go:build darwin
// +build darwin

package filter

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// filterImpl keeps its rules in a pf anchor referenced from /etc/pf.conf.
type filterImpl struct {
	anchor string
}

func NewFilter(identifier string) (Filter, error) {
	enabled, err := isPFEnabled()
	if err != nil || !enabled {
		return nil, errors.Errorf("PF service is not enabled: %v", err)
	}

	refExists, err := pfCheckAnchor(identifier)
	if err != nil {
		return nil, errors.Wrap(err, "check anchor reference in /etc/pf.conf")
	}
	if !refExists {
		return nil, errors.Errorf("anchor reference to %s does not exist in /etc/pf.conf, please add it", identifier)
	}

	return &filterImpl{anchor: identifier}, nil
}

// addRule reloads the anchor with rule appended, keeping the existing rules.
func (f *filterImpl) addRule(rule string) error {
	currentRules, err := getPfRules(f.anchor)
	if err != nil {
		return err
	}
	if !containsRule(currentRules, rule) {
		currentRules = append(currentRules, rule)
	}

	if err := pfLoadRules(f.anchor, strings.Join(currentRules, "\n")); err != nil {
		return err
	}
	if err := verifyRuleExactMatch(f.anchor, rule); err != nil {
		return errors.Wrap(err, "rule verification failed")
	}

	log.Info().Str("rule", rule).Msg("added pf rule")
	return nil
}

func (f *filterImpl) removeRule(rule string) error {
	currentRules, err := getPfRules(f.anchor)
	if err != nil {
		return err
	}

	updated := currentRules[:0]
	for _, r := range currentRules {
		if strings.TrimSpace(r) != strings.TrimSpace(rule) {
			updated = append(updated, r)
		}
	}

	if err := pfLoadRules(f.anchor, strings.Join(updated, "\n")+"\n"); err != nil {
		return err
	}
	log.Info().Str("rule", rule).Msg("removed pf rule")
	return nil
}

func (f *filterImpl) AddTcpClientFiltering(dstAddr string, dstPort int) error {
	return f.addRule(pfRule(clientSide, dstAddr, dstPort))
}

func (f *filterImpl) RemoveTcpClientFiltering(dstAddr string, dstPort int) error {
	return f.removeRule(pfRule(clientSide, dstAddr, dstPort))
}

func (f *filterImpl) AddTcpServerFiltering(srcAddr string, srcPort int) error {
	return f.addRule(pfRule(serverSide, srcAddr, srcPort))
}

func (f *filterImpl) RemoveTcpServerFiltering(srcAddr string, srcPort int) error {
	return f.removeRule(pfRule(serverSide, srcAddr, srcPort))
}

// FinishFiltering flushes all rules in the anchor.
func (f *filterImpl) FinishFiltering() error {
	output, err := exec.Command("pfctl", "-a", f.anchor, "-F", "rules").CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "flush rules for anchor %s: %s", f.anchor, output)
	}
	return nil
}

func isPFEnabled() (bool, error) {
	output, err := exec.Command("pfctl", "-s", "info").CombinedOutput()
	if err != nil {
		return false, errors.Wrapf(err, "pfctl check failed: %s", output)
	}
	return strings.Contains(string(output), "Status: Enabled"), nil
}

// pfCheckAnchor reports whether /etc/pf.conf references the anchor.
func pfCheckAnchor(anchor string) (bool, error) {
	data, err := os.ReadFile("/etc/pf.conf")
	if err != nil {
		return false, err
	}
	return strings.Contains(string(data), fmt.Sprintf("anchor \"%s\"", anchor)), nil
}

// getPfRules returns the block rules currently loaded in the anchor.
func getPfRules(anchor string) ([]string, error) {
	output, err := exec.Command("pfctl", "-a", anchor, "-s", "rules").CombinedOutput()
	if err != nil {
		return nil, errors.Wrapf(err, "query PF rules: %s", output)
	}

	var rules []string
	for _, line := range strings.Split(string(output), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "block") {
			rules = append(rules, trimmed)
		}
	}
	return rules, nil
}

func pfLoadRules(anchor, rules string) error {
	cmd := exec.Command("/sbin/pfctl", "-a", anchor, "-f", "-")
	cmd.Stdin = strings.NewReader(rules)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "load PF rules: %s", output)
	}
	return nil
}

func verifyRuleExactMatch(anchor, expectedRule string) error {
	output, err := exec.Command("/sbin/pfctl", "-a", anchor, "-s", "rules").CombinedOutput()
	if err != nil {
		return errors.Wrap(err, "query PF rules")
	}
	if !strings.Contains(string(output), strings.TrimSpace(expectedRule)) {
		return errors.Errorf("rule missing\ncurrent rules:\n%s\nexpected:\n%s", output, expectedRule)
	}
	return nil
}

func containsRule(rules []string, target string) bool {
	target = strings.TrimSpace(target)
	for _, rule := range rules {
		if strings.TrimSpace(rule) == target {
			return true
		}
	}
	return false
}
