package notify

import (
	"fmt"
	"reply-monitor/pkg/replier"
	"strings"
	"time"
)

// Subject summarizes a run in one line.
func Subject(sum *replier.RunSummary) string {
	return fmt.Sprintf("Reply monitor %s: %d sent, %d blocked, %d deferred, %d failed",
		sum.StartedAt.UTC().Format("2006-01-02"),
		len(sum.Sent), len(sum.Blocked), len(sum.Deferred), len(sum.Failures))
}

// FormatText renders a summary for chat transports.
func FormatText(sum *replier.RunSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Profiles processed: %d\nPosts evaluated: %d\nDuration: %s\n",
		sum.ProfilesProcessed, sum.PostsEvaluated, sum.Duration().Round(time.Second))

	if len(sum.Sent) > 0 {
		b.WriteString("\nSent:\n")
		for _, s := range sum.Sent {
			fmt.Fprintf(&b, "- @%s %s\n", s.Handle, postRef(s.PostID, s.PostURL))
		}
	}
	if len(sum.Blocked) > 0 {
		b.WriteString("\nBlocked:\n")
		for _, bl := range sum.Blocked {
			fmt.Fprintf(&b, "- @%s %s (%s)\n", bl.Handle, bl.PostID, bl.Reason)
		}
	}
	if len(sum.Deferred) > 0 {
		b.WriteString("\nDeferred:\n")
		for _, d := range sum.Deferred {
			fmt.Fprintf(&b, "- @%s %s (%s)\n", d.Handle, d.PostID, d.Reason)
		}
	}
	if len(sum.Failures) > 0 {
		b.WriteString("\nFailed:\n")
		for _, f := range sum.Failures {
			fmt.Fprintf(&b, "- @%s %s[%s] %s\n", f.Handle, optional(f.PostID), f.Stage, f.Error)
		}
	}
	if len(sum.SkippedProfiles) > 0 {
		fmt.Fprintf(&b, "\nNot reached before timeout: %s\n", strings.Join(sum.SkippedProfiles, ", "))
	}
	return b.String()
}

// FormatHTML renders a summary as an HTML email body.
func FormatHTML(sum *replier.RunSummary) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString("h2 { font-size: 1.1em; border-bottom: 2px solid #2980b9; padding-bottom: 4px; }\n")
	b.WriteString(".stats { color: #7f8c8d; }\n")
	b.WriteString(".reason { color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString("a { color: #2980b9; text-decoration: none; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".stats, .reason { color: #a0a0a0; }\n")
	b.WriteString("a { color: #5dade2; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString(fmt.Sprintf("<p class=\"stats\">%d profiles processed &bull; %d posts evaluated &bull; %s</p>\n",
		sum.ProfilesProcessed, sum.PostsEvaluated, escapeHTML(sum.Duration().Round(time.Second).String())))

	if len(sum.Sent) > 0 {
		b.WriteString("<h2>Sent</h2>\n<ul>\n")
		for _, s := range sum.Sent {
			link := escapeHTML(s.PostID)
			if s.PostURL != "" {
				link = fmt.Sprintf("<a href=\"%s\">%s</a>", escapeHTML(s.PostURL), escapeHTML(s.PostID))
			}
			b.WriteString(fmt.Sprintf("<li>@%s %s</li>\n", escapeHTML(s.Handle), link))
		}
		b.WriteString("</ul>\n")
	}
	writeBlocked(&b, "Blocked", sum.Blocked)
	writeBlocked(&b, "Deferred", sum.Deferred)
	if len(sum.Failures) > 0 {
		b.WriteString("<h2>Failed</h2>\n<ul>\n")
		for _, f := range sum.Failures {
			b.WriteString(fmt.Sprintf("<li>@%s %s<span class=\"reason\">[%s] %s</span></li>\n",
				escapeHTML(f.Handle), escapeHTML(optional(f.PostID)), escapeHTML(string(f.Stage)), escapeHTML(f.Error)))
		}
		b.WriteString("</ul>\n")
	}
	if len(sum.SkippedProfiles) > 0 {
		b.WriteString(fmt.Sprintf("<p class=\"reason\">Not reached before timeout: %s</p>\n",
			escapeHTML(strings.Join(sum.SkippedProfiles, ", "))))
	}

	b.WriteString("</body>\n</html>")
	return b.String()
}

func writeBlocked(b *strings.Builder, title string, items []replier.Blocked) {
	if len(items) == 0 {
		return
	}
	b.WriteString(fmt.Sprintf("<h2>%s</h2>\n<ul>\n", title))
	for _, it := range items {
		b.WriteString(fmt.Sprintf("<li>@%s %s <span class=\"reason\">(%s)</span></li>\n",
			escapeHTML(it.Handle), escapeHTML(it.PostID), escapeHTML(it.Reason)))
	}
	b.WriteString("</ul>\n")
}

func postRef(id, url string) string {
	if url != "" {
		return url
	}
	return id
}

func optional(id string) string {
	if id == "" {
		return ""
	}
	return id + " "
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
