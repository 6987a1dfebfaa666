package fraud

import (
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// SecretScanner finds embedded credentials in a solution text.
type SecretScanner interface {
	// Scan returns the rule ids of the credentials found.
	Scan(text string) ([]string, error)
}

// GitleaksScanner scans with the default gitleaks rule set. The detector is
// built on first use.
type GitleaksScanner struct {
	once     sync.Once
	detector *detect.Detector
	err      error
	mu       sync.Mutex
}

// NewGitleaksScanner returns a lazily initialized scanner.
func NewGitleaksScanner() *GitleaksScanner {
	return &GitleaksScanner{}
}

// Scan runs the gitleaks detector over text.
func (g *GitleaksScanner) Scan(text string) ([]string, error) {
	g.once.Do(func() {
		g.detector, g.err = detect.NewDetectorDefaultConfig()
	})
	if g.err != nil {
		return nil, g.err
	}

	// The detector accumulates findings internally and is not safe for
	// concurrent scans.
	g.mu.Lock()
	findings := g.detector.DetectString(text)
	g.mu.Unlock()

	seen := make(map[string]struct{}, len(findings))
	var rules []string
	for _, f := range findings {
		if _, ok := seen[f.RuleID]; ok {
			continue
		}
		seen[f.RuleID] = struct{}{}
		rules = append(rules, f.RuleID)
	}
	return rules, nil
}
