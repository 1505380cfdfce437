// Copyright 2024-2026 Aiku AI

// Package format converts the markdown dialect used on the guild side into
// the plain text the IM side accepts and the HTML Matrix clients render.
package format

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

var (
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe     = regexp.MustCompile(`\b_(.+?)_\b`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	codeRe       = regexp.MustCompile("`([^`]+)`")
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headingRe    = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	listRe       = regexp.MustCompile(`^(?:[-*]|\d+\.)\s+(.+)$`)
	orderedRe    = regexp.MustCompile(`^\d+\.\s`)
	blockquoteRe = regexp.MustCompile(`^>\s+(.+)$`)
)

type inlineRule struct {
	re    *regexp.Regexp
	html  string
	plain string
}

// Order matters: code spans are rendered before the emphasis markers that
// may appear inside them.
var inlineRules = []inlineRule{
	{codeRe, "<code>$1</code>", "$1"},
	{boldRe, "<strong>$1</strong>", "$1"},
	{italicRe, "<em>$1</em>", "$1"},
	{strikeRe, "<del>$1</del>", "$1"},
}

func safeHref(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "mailto:")
}

// Plain strips markdown markup, keeping link targets in parentheses.
func Plain(text string) string {
	text = codeBlockRe.ReplaceAllString(text, "$2")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		switch {
		case headingRe.MatchString(line):
			line = headingRe.ReplaceAllString(line, "$2")
		case blockquoteRe.MatchString(line):
			line = blockquoteRe.ReplaceAllString(line, "| $1")
		case listRe.MatchString(line) && !orderedRe.MatchString(line):
			line = listRe.ReplaceAllString(line, "• $1")
		}
		lines[i] = line
	}
	text = strings.Join(lines, "\n")
	for _, rule := range inlineRules {
		text = rule.re.ReplaceAllString(text, rule.plain)
	}
	return linkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		if parts[1] == parts[2] {
			return parts[1]
		}
		return parts[1] + " (" + parts[2] + ")"
	})
}

// HTML renders markdown to Matrix-flavoured HTML. Text without markup is
// returned unchanged with ok set to false.
func HTML(text string) (formatted string, ok bool) {
	if text == "" {
		return "", false
	}

	var blocks []string
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		class := ""
		if parts[1] != "" {
			class = ` class="language-` + html.EscapeString(parts[1]) + `"`
		}
		blocks = append(blocks, "<pre><code"+class+">"+html.EscapeString(parts[2])+"</code></pre>")
		return "\x00BLOCK" + strconv.Itoa(len(blocks)-1) + "\x00"
	})

	var (
		out      []string
		listTag  string
		items    []string
		markedUp = len(blocks) > 0
	)
	flush := func() {
		if len(items) > 0 {
			out = append(out, "<"+listTag+">"+strings.Join(items, "")+"</"+listTag+">")
		}
		items, listTag = nil, ""
	}
	for _, line := range strings.Split(processed, "\n") {
		if m := blockquoteRe.FindStringSubmatch(line); m != nil {
			flush()
			out = append(out, "<blockquote>"+html.EscapeString(m[1])+"</blockquote>")
			markedUp = true
			continue
		}
		if m := headingRe.FindStringSubmatch(line); m != nil {
			flush()
			lvl := strconv.Itoa(len(m[1]))
			out = append(out, "<h"+lvl+">"+html.EscapeString(m[2])+"</h"+lvl+">")
			markedUp = true
			continue
		}
		if m := listRe.FindStringSubmatch(line); m != nil {
			tag := "ul"
			if orderedRe.MatchString(line) {
				tag = "ol"
			}
			if tag != listTag {
				flush()
				listTag = tag
			}
			items = append(items, "<li>"+html.EscapeString(m[1])+"</li>")
			markedUp = true
			continue
		}
		flush()
		out = append(out, html.EscapeString(line))
	}
	flush()

	formatted = strings.Join(out, "\n")
	for _, rule := range inlineRules {
		if rule.re.MatchString(formatted) {
			formatted = rule.re.ReplaceAllString(formatted, rule.html)
			markedUp = true
		}
	}
	formatted = linkRe.ReplaceAllStringFunc(formatted, func(match string) string {
		markedUp = true
		parts := linkRe.FindStringSubmatch(match)
		if !safeHref(parts[2]) {
			return parts[1]
		}
		return `<a href="` + parts[2] + `">` + parts[1] + `</a>`
	})
	if !markedUp {
		return text, false
	}

	formatted = strings.ReplaceAll(formatted, "\n\n", "</p><p>")
	formatted = strings.ReplaceAll(formatted, "\n", "<br/>")
	if strings.Contains(formatted, "</p><p>") {
		formatted = "<p>" + formatted + "</p>"
	}
	// Code blocks go back in last so their newlines survive.
	for i, block := range blocks {
		formatted = strings.Replace(formatted, "\x00BLOCK"+strconv.Itoa(i)+"\x00", block, 1)
	}
	return formatted, true
}

// Notice builds a Matrix notice from markdown text.
func Notice(text string) *event.MessageEventContent {
	content := &event.MessageEventContent{MsgType: event.MsgNotice, Body: text}
	if formatted, ok := HTML(text); ok {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted
	}
	return content
}
