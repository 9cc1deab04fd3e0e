package fuzz

import (
	"context"
	"fmt"

	"github.com/papforge/pap/pkg/artifact"
)

// Corpus holds the interesting inputs discovered so far. New entries are
// persisted to the run workspace under the corpus prefix so a later
// campaign (or a retry) can resume from them.
type Corpus struct {
	entries [][]byte
	seen    map[string]struct{}

	ws     *artifact.Workspace
	prefix string
	next   int
}

// LoadCorpus seeds a corpus from the workspace artifacts under prefix.
func LoadCorpus(ctx context.Context, ws *artifact.Workspace, prefix string) (*Corpus, error) {
	c := &Corpus{seen: make(map[string]struct{}), ws: ws, prefix: prefix}
	refs, err := ws.ListPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list corpus: %w", err)
	}
	for _, ref := range refs {
		data, err := ws.Get(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("load corpus entry %s: %w", ref.Hash, err)
		}
		c.entries = append(c.entries, data)
		c.seen[ref.Hash] = struct{}{}
	}
	return c, nil
}

// Len returns the number of corpus entries.
func (c *Corpus) Len() int { return len(c.entries) }

// Entry returns entry i modulo the corpus size.
func (c *Corpus) Entry(i int) []byte {
	if len(c.entries) == 0 {
		return nil
	}
	return c.entries[i%len(c.entries)]
}

// Add records an input that produced new coverage, persisting it under the
// corpus prefix. Duplicates (by content hash) are ignored.
func (c *Corpus) Add(ctx context.Context, input []byte) error {
	hash := artifact.HashBytes(input)
	if _, dup := c.seen[hash]; dup {
		return nil
	}
	name := fmt.Sprintf("%s%06d", c.prefix, c.next)
	c.next++
	if _, err := c.ws.Put(ctx, name, input); err != nil {
		return fmt.Errorf("persist corpus entry: %w", err)
	}
	stored := make([]byte, len(input))
	copy(stored, input)
	c.entries = append(c.entries, stored)
	c.seen[hash] = struct{}{}
	return nil
}
