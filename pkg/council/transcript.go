package council

import (
	"context"
	"fmt"
	"strings"
)

const (
	// defaultMemberOutputLimit bounds a member's accumulated streamed
	// output when the configuration does not say otherwise.
	defaultMemberOutputLimit = 4000

	// researchQuoteLimit bounds a research report quoted into a later
	// transcript.
	researchQuoteLimit = 2000
	researchQuoteHead  = 1500
	researchQuoteTail  = 400

	// discussionQuoteLimit bounds a discussion message quoted into a later
	// transcript; older discussion only needs its opening.
	discussionQuoteLimit = 800

	// defaultCompactionThreshold triggers transcript summarization before
	// the chairman's decision when the configuration does not say otherwise.
	defaultCompactionThreshold = 20 * 1024
)

// compactionPrompt is used verbatim for transcript summarization.
const compactionPrompt = "Summarize the council discussion below for the chairman's final decision. " +
	"Preserve: key findings with specific file paths and line numbers; areas of agreement and disagreement; " +
	"concrete recommendations; caveats or risks. Use sections: Key Findings, Consensus, Disagreements, Recommendations."

// headTail keeps the opening and closing of an oversized string with an
// omission marker in between. Decisions need both the framing at the start
// and the conclusions at the end.
func headTail(s string, limit, head, tail int) string {
	if len(s) <= limit {
		return s
	}
	omitted := len(s) - head - tail
	return fmt.Sprintf("%s\n…%d chars omitted…\n%s", s[:head], omitted, s[len(s)-tail:])
}

// boundMemberOutput truncates a member's accumulated output to limit bytes,
// keeping seven eighths of the head and one eighth of the tail.
func boundMemberOutput(s string, limit int) string {
	if limit <= 0 {
		limit = defaultMemberOutputLimit
	}
	tail := limit / 8
	return headTail(s, limit, limit-tail, tail)
}

func quoteResearch(s string) string {
	return headTail(s, researchQuoteLimit, researchQuoteHead, researchQuoteTail)
}

func quoteDiscussion(s string) string {
	if len(s) <= discussionQuoteLimit {
		return s
	}
	return s[:discussionQuoteLimit] + "…"
}

// transcript accumulates the deliberation as it unfolds.
type transcript struct {
	goal       string
	research   []labeledMessage
	discussion []labeledMessage
}

type labeledMessage struct {
	account string
	round   int
	content string
}

// format renders the transcript for inclusion in a member prompt, applying
// per-message truncation.
func (t *transcript) format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", t.goal)
	if len(t.research) > 0 {
		b.WriteString("\n## Research\n")
		for _, msg := range t.research {
			fmt.Fprintf(&b, "\n[%s]\n%s\n", msg.account, quoteResearch(msg.content))
		}
	}
	if len(t.discussion) > 0 {
		b.WriteString("\n## Discussion\n")
		for _, msg := range t.discussion {
			fmt.Fprintf(&b, "\n[round %d, %s]\n%s\n", msg.round, msg.account, quoteDiscussion(msg.content))
		}
	}
	return b.String()
}

// size is the total byte size of accumulated messages.
func (t *transcript) size() int {
	n := 0
	for _, msg := range t.research {
		n += len(msg.content)
	}
	for _, msg := range t.discussion {
		n += len(msg.content)
	}
	return n
}

// compactFor returns the transcript for the chairman. Over the threshold it
// is replaced by a single-shot summary from the chairman's own client; if
// summarization fails, the raw transcript is used. A non-positive threshold
// selects the default.
func (t *transcript) compactFor(ctx context.Context, caller AgentCaller, chairman string, threshold int) string {
	if threshold <= 0 {
		threshold = defaultCompactionThreshold
	}
	raw := t.format()
	if t.size() <= threshold {
		return raw
	}
	summary, err := caller.Call(ctx, chairman, compactionPrompt+"\n\n"+raw, nil)
	if err != nil || strings.TrimSpace(summary) == "" {
		return raw
	}
	return summary
}
