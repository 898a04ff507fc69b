package tickets

import (
	"encoding/json"
	"fmt"
	"strings"
)

// adfNode is one node of an Atlassian Document Format tree.
type adfNode struct {
	Type    string         `json:"type"`
	Text    string         `json:"text"`
	Attrs   map[string]any `json:"attrs"`
	Content []adfNode      `json:"content"`
}

// RichText renders a Jira rich-text field as markdown-flavoured plain text.
// Cloud returns ADF documents, Server returns wiki text; null is empty.
func RichText(raw json.RawMessage) string {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return ""
	}
	switch text[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	case '{':
		var doc adfNode
		if err := json.Unmarshal(raw, &doc); err == nil {
			return renderADF(doc)
		}
	}
	return text
}

func renderADF(doc adfNode) string {
	blocks := make([]string, 0, len(doc.Content))
	for _, n := range doc.Content {
		if b := strings.TrimRight(n.render(), "\n"); b != "" {
			blocks = append(blocks, b)
		}
	}
	return strings.Join(blocks, "\n\n")
}

func (n adfNode) children() string {
	var b strings.Builder
	for _, c := range n.Content {
		b.WriteString(c.render())
	}
	return b.String()
}

func (n adfNode) render() string {
	switch n.Type {
	case "text":
		return n.Text
	case "hardBreak":
		return "\n"
	case "paragraph":
		return n.children() + "\n"
	case "heading":
		level := 1
		if l, ok := n.Attrs["level"].(float64); ok && l >= 1 && l <= 6 {
			level = int(l)
		}
		return strings.Repeat("#", level) + " " + n.children() + "\n"
	case "bulletList":
		lines := make([]string, 0, len(n.Content))
		for _, item := range n.Content {
			lines = append(lines, "- "+item.render())
		}
		return strings.Join(lines, "\n") + "\n"
	case "orderedList":
		lines := make([]string, 0, len(n.Content))
		for i, item := range n.Content {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, item.render()))
		}
		return strings.Join(lines, "\n") + "\n"
	case "listItem":
		return strings.TrimSpace(n.children())
	case "codeBlock":
		return "```\n" + n.children() + "\n```\n"
	case "blockquote":
		return "> " + strings.TrimSpace(n.children()) + "\n"
	case "rule":
		return "---\n"
	case "mention", "emoji":
		if s, ok := n.Attrs["text"].(string); ok {
			return s
		}
		return ""
	case "inlineCard":
		if s, ok := n.Attrs["url"].(string); ok {
			return s
		}
		return ""
	default:
		return n.children()
	}
}
