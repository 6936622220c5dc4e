package provider

import "github.com/tidwall/gjson"

// streamState accumulates lifecycle metadata from a provider's JSON-lines
// stream: the session id, token usage, and the final result text.
type streamState struct {
	sessionID  string
	usage      *TokenUsage
	resultText string
}

// consumeLine parses one stream line and forwards events to onActivity.
// Malformed lines are ignored.
func (s *streamState) consumeLine(line []byte, onActivity func(ActivityEvent)) {
	if !gjson.ValidBytes(line) {
		return
	}
	ev := gjson.ParseBytes(line)
	typ := ev.Get("type").String()

	if sid := ev.Get("session_id").String(); sid != "" {
		s.sessionID = sid
	}

	switch typ {
	case "assistant":
		ev.Get("message.content").ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				if onActivity != nil {
					onActivity(ActivityEvent{
						Kind:      "assistant_text",
						Text:      block.Get("text").String(),
						SessionID: s.sessionID,
					})
				}
			case "tool_use":
				if onActivity != nil {
					onActivity(ActivityEvent{
						Kind:      "tool_use",
						ToolName:  block.Get("name").String(),
						SessionID: s.sessionID,
					})
				}
			}
			return true
		})

	case "content_block_delta":
		if onActivity != nil {
			onActivity(ActivityEvent{
				Kind:      "assistant_text",
				Text:      ev.Get("delta.text").String(),
				SessionID: s.sessionID,
			})
		}

	case "result":
		s.resultText = ev.Get("result").String()
		if usage := ev.Get("usage"); usage.Exists() {
			s.usage = &TokenUsage{
				InputTokens:  usage.Get("input_tokens").Int(),
				OutputTokens: usage.Get("output_tokens").Int(),
			}
		}
		if onActivity != nil {
			onActivity(ActivityEvent{
				Kind:      "result",
				Text:      s.resultText,
				SessionID: s.sessionID,
			})
		}
	}
}
