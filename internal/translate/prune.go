package translate

// PruneMessages trims a conversation down to its system messages plus the
// last limit non-system messages. Used for keys with context trimming
// enabled; limit <= 0 leaves the conversation untouched.
func PruneMessages(messages []ChatMessage, limit int) []ChatMessage {
	if limit <= 0 {
		return messages
	}

	var system, rest []ChatMessage
	for _, m := range messages {
		if m.Role == "system" || m.Role == "developer" {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	if len(rest) <= limit {
		return messages
	}

	kept := rest[len(rest)-limit:]
	// A trailing tool response with its call pruned away confuses the
	// upstream; walk back until the window starts on a non-tool message.
	for len(kept) > 0 && kept[0].Role == "tool" {
		kept = kept[1:]
	}
	return append(system, kept...)
}

// PruneAnthropicMessages is the Messages API variant; system lives in a
// separate field there, so only the message list is windowed.
func PruneAnthropicMessages(messages []AnthropicMessage, limit int) []AnthropicMessage {
	if limit <= 0 || len(messages) <= limit {
		return messages
	}
	kept := messages[len(messages)-limit:]
	// The Messages API requires the first message to be from the user.
	for len(kept) > 0 && kept[0].Role != "user" {
		kept = kept[1:]
	}
	if len(kept) == 0 {
		return messages
	}
	return kept
}
