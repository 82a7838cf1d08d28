package session

import "github.com/rosterlabs/roster/internal/llm"

// ToMessages converts session turns into an LLM message list. It trims the
// oldest turns until the total character count is within budget; budget == 0
// means no limit. The most recent turn is always included, even when it
// alone exceeds the budget.
func ToMessages(turns []Turn, budget int) []llm.Message {
	if len(turns) == 0 {
		return nil
	}

	start := 0
	if budget > 0 {
		// Walk newest-to-oldest, accumulating character cost.
		total := 0
		for i := len(turns) - 1; i >= 0; i-- {
			cost := len([]rune(turns[i].User)) + len([]rune(turns[i].Assistant))
			if total+cost > budget {
				start = i + 1
				break
			}
			total += cost
		}
		if start >= len(turns) {
			start = len(turns) - 1
		}
	}

	msgs := make([]llm.Message, 0, 2*(len(turns)-start))
	for _, t := range turns[start:] {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: t.User},
			llm.Message{Role: llm.RoleAssistant, Content: t.Assistant},
		)
	}
	return msgs
}
