// Package enhance defines the optional content-enhancement capability: an
// external service proposes chapter titles, corrected metadata and localized
// text fixes for a built structure tree. The capability is always optional;
// its absence or failure never blocks conversion.
package enhance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wudi/epubkit/structure"
)

// ErrUnavailable reports that enhancement was skipped: no enhancer, a
// failure, or the bounded wait expired.
var ErrUnavailable = errors.New("enhancement unavailable")

// Payload is what the enhancer receives.
type Payload struct {
	// Markdown is the serialized structure tree.
	Markdown     string
	ChapterCount int
	Title        string
	Author       string
	Language     string
}

// Correction is a localized text fix applied to leaf content.
type Correction struct {
	Find    string
	Replace string
}

// Proposal is the enhancer's answer. Empty fields propose nothing.
type Proposal struct {
	// ChapterTitles maps 1-based chapter ordinals to proposed titles.
	ChapterTitles map[int]string
	Title         string
	Author        string
	Language      string
	Corrections   []Correction
}

// Enhancer is the capability contract.
type Enhancer interface {
	Name() string
	Enhance(ctx context.Context, payload Payload) (Proposal, error)
}

// BuildPayload serializes a tree for submission.
func BuildPayload(tree *structure.Tree) Payload {
	return Payload{
		Markdown:     structure.Markdown(tree),
		ChapterCount: len(tree.Chapters()),
		Title:        tree.Metadata.Title,
		Author:       tree.Metadata.Author,
		Language:     tree.Metadata.Language,
	}
}

// Apply folds a proposal back into the tree. Proposed chapter titles fill
// untitled chapters only; extracted titles are trusted over generated ones.
// Metadata fields fill gaps the same way. Corrections rewrite leaf text.
func Apply(tree *structure.Tree, p Proposal) {
	for i, ch := range tree.Chapters() {
		if strings.TrimSpace(ch.Title) != "" {
			continue
		}
		if title, ok := p.ChapterTitles[i+1]; ok && strings.TrimSpace(title) != "" {
			ch.Title = strings.TrimSpace(title)
		}
	}
	if tree.Metadata.Title == "" && p.Title != "" {
		tree.Metadata.Title = p.Title
	}
	if tree.Metadata.Author == "" && p.Author != "" {
		tree.Metadata.Author = p.Author
	}
	if tree.Metadata.Language == "" && p.Language != "" {
		tree.Metadata.Language = p.Language
	}
	if len(p.Corrections) == 0 {
		return
	}
	for _, leaf := range tree.Leaves() {
		if leaf.Text == "" {
			continue
		}
		for _, c := range p.Corrections {
			if c.Find == "" {
				continue
			}
			leaf.Text = strings.ReplaceAll(leaf.Text, c.Find, c.Replace)
		}
	}
}

// Run submits the tree under a bounded timeout and applies any proposal.
// All failure modes come back as ErrUnavailable so callers can record a
// diagnostic and move on.
func Run(ctx context.Context, enh Enhancer, tree *structure.Tree, timeout time.Duration) error {
	if enh == nil {
		return fmt.Errorf("%w: no enhancer configured", ErrUnavailable)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proposal, err := enh.Enhance(ctx, BuildPayload(tree))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, enh.Name(), err)
	}
	Apply(tree, proposal)
	return nil
}
