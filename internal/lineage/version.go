package lineage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixnet/internal/clock"
	"github.com/fyrsmithlabs/fixnet/internal/similarity"
)

// Status of a version entry.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
)

// VersionEntry is one fix in a version chain.
type VersionEntry struct {
	VersionNumber int        `json:"version_number"`
	FixHash       string     `json:"fix_hash"`
	Solution      string     `json:"solution,omitempty"`
	Supersedes    string     `json:"supersedes,omitempty"`
	SupersededBy  string     `json:"superseded_by,omitempty"`
	Status        Status     `json:"status"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
}

type chain struct {
	Signature string          `json:"signature"`
	Entries   []*VersionEntry `json:"entries"`
}

func (c *chain) entry(hash string) *VersionEntry {
	for _, e := range c.Entries {
		if e.FixHash == hash {
			return e
		}
	}
	return nil
}

func (c *chain) head() *VersionEntry {
	var head *VersionEntry
	for _, e := range c.Entries {
		if e.Status == StatusActive && (head == nil || e.VersionNumber > head.VersionNumber) {
			head = e
		}
	}
	return head
}

type versionDoc struct {
	Chains []*chain `json:"chains"`
}

func (d *versionDoc) chain(sig string) *chain {
	for _, c := range d.Chains {
		if c.Signature == sig {
			return c
		}
	}
	return nil
}

// CreateVersion appends hash to the chain for signature. The entry named by
// supersedes, or the current active head when supersedes is empty, is marked
// superseded. A hash may appear only once per chain.
func (s *Store) CreateVersion(ctx context.Context, signature, hash, solution, supersedes string) (*VersionEntry, error) {
	ctx, span := s.tracer.Start(ctx, "lineage.create_version")
	defer span.End()

	key := similarity.Normalize(signature)
	hash = strings.TrimSpace(hash)
	if key == "" || hash == "" {
		return nil, fail(span, fmt.Errorf("%w: signature and fix hash are required", ErrValidation))
	}

	var created VersionEntry
	err := s.versions.Update(ctx, func(doc *versionDoc) error {
		c := doc.chain(key)
		if c == nil {
			c = &chain{Signature: key}
			doc.Chains = append(doc.Chains, c)
		}
		if c.entry(hash) != nil {
			return fmt.Errorf("%w: %s already in chain", ErrCycle, hash)
		}

		var prior *VersionEntry
		if supersedes != "" {
			prior = c.entry(supersedes)
			if prior == nil {
				return fmt.Errorf("%w: %s", ErrNotFound, supersedes)
			}
			if prior.Status != StatusActive {
				return fmt.Errorf("%w: %s", ErrAlreadySuperseded, supersedes)
			}
		} else {
			prior = c.head()
		}

		entry := &VersionEntry{
			VersionNumber: len(c.Entries) + 1,
			FixHash:       hash,
			Solution:      solution,
			Status:        StatusActive,
			CreatedAt:     clock.Stamp(s.clock),
		}
		if prior != nil {
			prior.Status = StatusSuperseded
			prior.SupersededBy = hash
			entry.Supersedes = prior.FixHash
		}
		c.Entries = append(c.Entries, entry)
		created = *entry
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}

	span.SetAttributes(
		attribute.Int("version", created.VersionNumber),
		attribute.Bool("supersedes", created.Supersedes != ""),
	)
	if s.versionCounter != nil {
		s.versionCounter.Add(ctx, 1)
	}

	s.logger.Info("fix version created",
		zap.String("signature", key),
		zap.String("fix_hash", hash),
		zap.Int("version", created.VersionNumber),
		zap.String("supersedes", created.Supersedes),
	)
	return &created, nil
}

// Latest returns the highest-numbered active entry for signature, or nil.
func (s *Store) Latest(ctx context.Context, signature string) (*VersionEntry, error) {
	doc, err := s.versions.Load(ctx)
	if err != nil {
		return nil, err
	}
	c := doc.chain(similarity.Normalize(signature))
	if c == nil {
		return nil, nil
	}
	head := c.head()
	if head == nil {
		return nil, nil
	}
	out := *head
	return &out, nil
}

// Chain returns every entry for signature in version order.
func (s *Store) Chain(ctx context.Context, signature string) ([]VersionEntry, error) {
	doc, err := s.versions.Load(ctx)
	if err != nil {
		return nil, err
	}
	c := doc.chain(similarity.Normalize(signature))
	if c == nil {
		return nil, nil
	}
	out := make([]VersionEntry, 0, len(c.Entries))
	for _, e := range c.Entries {
		out = append(out, *e)
	}
	return out, nil
}

// EvolutionPath returns the supersession path through hash, oldest first.
func (s *Store) EvolutionPath(ctx context.Context, hash string) ([]VersionEntry, error) {
	doc, err := s.versions.Load(ctx)
	if err != nil {
		return nil, err
	}

	var c *chain
	var start *VersionEntry
	for _, candidate := range doc.Chains {
		if e := candidate.entry(hash); e != nil {
			c, start = candidate, e
			break
		}
	}
	if start == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}

	// Walks are bounded by chain length so stored data with a loop cannot hang.
	limit := len(c.Entries)
	var back []VersionEntry
	for e, n := start, 0; e.Supersedes != "" && n < limit; n++ {
		prev := c.entry(e.Supersedes)
		if prev == nil {
			break
		}
		back = append(back, *prev)
		e = prev
	}

	path := make([]VersionEntry, 0, len(back)+1)
	for i := len(back) - 1; i >= 0; i-- {
		path = append(path, back[i])
	}
	path = append(path, *start)

	for e, n := start, 0; e.SupersededBy != "" && n < limit; n++ {
		next := c.entry(e.SupersededBy)
		if next == nil {
			break
		}
		path = append(path, *next)
		e = next
	}
	return path, nil
}
