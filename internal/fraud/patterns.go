package fraud

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInvalidPatterns indicates a pattern file that cannot be used.
var ErrInvalidPatterns = errors.New("invalid fraud pattern file")

// blockedPatterns are destructive shell constructs. Any match is spam.
var blockedPatterns = []string{
	// recursive delete of root, home or everything
	`\brm\s+(?:-\S+\s+)+(?:/|/\*|~|~/|\$HOME/?|\*)(?:\s|;|&|\||$)`,
	`--no-preserve-root`,
	// fork bomb
	`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
	// raw disk writes
	`\bdd\b[^\n]*\bof=/dev/(?:sd|hd|nvme|xvd|vd|disk|mmcblk)`,
	`\bmkfs(?:\.\w+)?\s+[^\n]*/dev/`,
	`>\s*/dev/(?:sd|hd|nvme|disk)\w*`,
	// permission bypass on the whole filesystem
	`\bchmod\s+(?:-R\s+)?0?777\s+/(?:\s|$)`,
	`\bchown\s+-R\s+\S+\s+/(?:\s|$)`,
	// dynamic code execution
	`\b(?:eval|exec)\s*[("'$]`,
}

// suspiciousMarkers are harmless alone; two or more together raise risk.
var suspiciousMarkers = []string{
	"base64",
	"/dev/tcp/",
	"/dev/udp/",
	"nc -e",
	"ncat -e",
	"bash -i",
	"| sh",
	"| bash",
	"curl ",
	"wget ",
	"chmod +x",
	"/etc/passwd",
	"/etc/shadow",
	"python -c",
	"powershell -enc",
	`\x`,
}

// Patterns holds the compiled blocklist and the suspicious markers.
type Patterns struct {
	blocked    []*regexp.Regexp
	suspicious []string
}

// DefaultPatterns returns the built-in patterns.
func DefaultPatterns() *Patterns {
	p := &Patterns{suspicious: append([]string(nil), suspiciousMarkers...)}
	for _, expr := range blockedPatterns {
		p.blocked = append(p.blocked, regexp.MustCompile(`(?i)`+expr))
	}
	return p
}

// patternFile is the TOML layout of an extra pattern file:
//
//	[patterns]
//	blocked = ['curl\s+\S+\s*\|\s*sh']
//	suspicious = ["nohup"]
type patternFile struct {
	Patterns struct {
		Blocked    []string `toml:"blocked"`
		Suspicious []string `toml:"suspicious"`
	} `toml:"patterns"`
}

// LoadPatterns returns the defaults extended with the patterns in path.
// An empty path or a missing file yields the defaults.
func LoadPatterns(path string) (*Patterns, error) {
	p := DefaultPatterns()
	if path == "" {
		return p, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, err
	}

	var file patternFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPatterns, path, err)
	}
	for _, expr := range file.Patterns.Blocked {
		re, err := regexp.Compile(`(?i)` + expr)
		if err != nil {
			return nil, fmt.Errorf("%w: blocked pattern %q in %s: %v", ErrInvalidPatterns, expr, path, err)
		}
		p.blocked = append(p.blocked, re)
	}
	for _, marker := range file.Patterns.Suspicious {
		if marker = strings.ToLower(strings.TrimSpace(marker)); marker != "" {
			p.suspicious = append(p.suspicious, marker)
		}
	}
	return p, nil
}

// Blocked returns the first blocked pattern matching text.
func (p *Patterns) Blocked(text string) (string, bool) {
	for _, re := range p.blocked {
		if m := re.FindString(text); m != "" {
			return strings.TrimSpace(m), true
		}
	}
	return "", false
}

// Suspicious returns the markers present in text.
func (p *Patterns) Suspicious(text string) []string {
	lower := strings.ToLower(text)
	var found []string
	for _, marker := range p.suspicious {
		if strings.Contains(lower, marker) {
			found = append(found, marker)
		}
	}
	return found
}
