package runner

import (
	"strings"

	"github.com/tidwall/gjson"
)

// trailer is the final "result" object of a stream-json run.
type trailer struct {
	result       string
	costUSD      float64
	inputTokens  int64
	outputTokens int64
	isError      bool
}

type parsedLine struct {
	text      string
	trailer   *trailer
	malformed bool
}

// parseLine extracts displayable text from one line of agent output. Lines
// that are not JSON objects pass through unchanged.
func parseLine(line string) parsedLine {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return parsedLine{}
	}
	if !strings.HasPrefix(trimmed, "{") {
		return parsedLine{text: line}
	}
	if !gjson.Valid(trimmed) {
		return parsedLine{text: line, malformed: true}
	}

	obj := gjson.Parse(trimmed)
	switch obj.Get("type").String() {
	case "assistant":
		return parsedLine{text: assistantText(obj.Get("message.content"))}
	case "stream_event":
		ev := obj.Get("event")
		if ev.Get("type").String() == "content_block_delta" && ev.Get("delta.type").String() == "text_delta" {
			return parsedLine{text: ev.Get("delta.text").String()}
		}
		return parsedLine{}
	case "result":
		t := &trailer{
			result:       obj.Get("result").String(),
			inputTokens:  obj.Get("usage.input_tokens").Int(),
			outputTokens: obj.Get("usage.output_tokens").Int(),
			isError:      obj.Get("is_error").Bool(),
		}
		if cost := obj.Get("total_cost_usd"); cost.Exists() {
			t.costUSD = cost.Float()
		} else {
			t.costUSD = obj.Get("cost_usd").Float()
		}
		return parsedLine{trailer: t}
	case "":
		// A JSON line from something other than the agent protocol.
		return parsedLine{text: line}
	default:
		// system/user frames carry no displayable output.
		return parsedLine{}
	}
}

func assistantText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var parts []string
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			if s := block.Get("text").String(); s != "" {
				parts = append(parts, s)
			}
		case "tool_use":
			parts = append(parts, "[tool: "+block.Get("name").String()+"]")
		}
		return true
	})
	return strings.Join(parts, "\n")
}
