// Package gemini backs the enhance capability with the Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	genai "google.golang.org/genai"

	"github.com/wudi/epubkit/enhance"
)

const defaultModel = "gemini-2.5-flash"

// Client asks Gemini for chapter titles, metadata and text corrections.
type Client struct {
	client *genai.Client
	model  string
}

func New(ctx context.Context, apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("missing API key")
	}
	if model == "" {
		model = defaultModel
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, err
	}
	return &Client{client: c, model: model}, nil
}

func (c *Client) Name() string { return "gemini" }

const promptHeader = `You are an ebook editor. Return ONLY valid JSON, no code fences, no explanations.

Given the following book content in markdown, propose improvements with this exact JSON shape:
{
  "chapter_titles": {"1": "Proposed Title"},
  "title": "book title if identifiable, else empty",
  "author": "author if identifiable, else empty",
  "language": "BCP-47 code of the dominant language",
  "corrections": [{"find": "mis-recognized text", "replace": "corrected text"}]
}

Rules:
- chapter_titles: only for chapters whose heading looks generic or missing
- corrections: only obvious OCR or extraction mistakes, exact substrings
- keep every field you have no proposal for empty

Content:
`

type wireProposal struct {
	ChapterTitles map[string]string `json:"chapter_titles"`
	Title         string            `json:"title"`
	Author        string            `json:"author"`
	Language      string            `json:"language"`
	Corrections   []struct {
		Find    string `json:"find"`
		Replace string `json:"replace"`
	} `json:"corrections"`
}

func (c *Client) Enhance(ctx context.Context, payload enhance.Payload) (enhance.Proposal, error) {
	res, err := c.client.Models.GenerateContent(ctx, c.model, []*genai.Content{
		genai.NewContentFromText(promptHeader+payload.Markdown, genai.RoleUser),
	}, nil)
	if err != nil {
		return enhance.Proposal{}, fmt.Errorf("generate: %w", err)
	}
	return parseProposal(res.Text())
}

func parseProposal(text string) (enhance.Proposal, error) {
	var wire wireProposal
	body := stripCodeFences(text)
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		js := firstJSONObject(body)
		if js == "" {
			return enhance.Proposal{}, fmt.Errorf("no JSON in response: %w", err)
		}
		if err := json.Unmarshal([]byte(js), &wire); err != nil {
			return enhance.Proposal{}, fmt.Errorf("parse response: %w", err)
		}
	}

	out := enhance.Proposal{
		Title:    wire.Title,
		Author:   wire.Author,
		Language: wire.Language,
	}
	if len(wire.ChapterTitles) > 0 {
		out.ChapterTitles = make(map[int]string, len(wire.ChapterTitles))
		for k, v := range wire.ChapterTitles {
			if n, err := strconv.Atoi(k); err == nil && n > 0 {
				out.ChapterTitles[n] = v
			}
		}
	}
	for _, c := range wire.Corrections {
		if c.Find != "" {
			out.Corrections = append(out.Corrections, enhance.Correction{Find: c.Find, Replace: c.Replace})
		}
	}
	return out, nil
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		}
	}
	if strings.HasSuffix(s, "```") {
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}

// firstJSONObject scans for the first balanced top-level object.
func firstJSONObject(s string) string {
	start, depth := -1, 0
	for i, r := range s {
		switch r {
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start >= 0 {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}
