package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Marker file names a worker drops into its artifact directory.
const (
	SuccessMarker   = "success"
	ChallengeMarker = "challenge"
)

// MarkerProbe answers the activity and challenge questions from marker files under
// <Root>/<identity>/.egress/. Workers that capture traffic write the success marker
// once the caller-defined condition holds, and the challenge marker while a
// verification widget is on screen.
type MarkerProbe struct {
	Root string
}

func (m MarkerProbe) path(identity, name string) string {
	return filepath.Join(m.Root, identity, ".egress", name)
}

func (m MarkerProbe) exists(identity, name string) bool {
	_, err := os.Stat(m.path(identity, name))
	return err == nil
}

func (m MarkerProbe) HasSucceeded(_ context.Context, identity string) bool {
	return m.exists(identity, SuccessMarker)
}

func (m MarkerProbe) IsChallengePresent(_ context.Context, identity string) bool {
	return m.exists(identity, ChallengeMarker)
}

// Clear removes stale markers before an attempt starts.
func (m MarkerProbe) Clear(identity string) error {
	for _, name := range []string{SuccessMarker, ChallengeMarker} {
		if err := os.Remove(m.path(identity, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// PatternSignal builds a SuccessSignal that matches any of the given patterns.
// Patterns are regular expressions; invalid ones are matched as plain substrings.
func PatternSignal(patterns []string) SuccessSignal {
	var res []*regexp.Regexp
	var plain []string
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			plain = append(plain, p)
			continue
		}
		res = append(res, re)
	}
	if len(res) == 0 && len(plain) == 0 {
		return nil
	}
	return func(line string) bool {
		for _, re := range res {
			if re.MatchString(line) {
				return true
			}
		}
		for _, p := range plain {
			if strings.Contains(line, p) {
				return true
			}
		}
		return false
	}
}
