// Package parse turns raw model output into normalized tool calls. It
// is deliberately forgiving: local models emit many near-miss shapes
// (tokenized JSON, wrong field names, fenced blocks), and re-prompting
// for format errors burns steps better spent on the task.
package parse

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/wardenlabs/warden/pkg/models"
)

// AgentOutput is one parsed model turn: an optional THOUGHT, an
// optional tool call, and a format error when neither could be read.
type AgentOutput struct {
	Thought  string
	ToolName string
	ToolArgs map[string]any
	Error    string
}

var (
	thoughtRe    = regexp.MustCompile(`\bTHOUGHT:\s*`)
	actionRe     = regexp.MustCompile(`\bACTION:\s*`)
	fencedRe     = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\}|\\[.*?\\])\\s*```")
	inlineRe     = regexp.MustCompile(`(?s)(\{.*\})`)
	objectRe     = regexp.MustCompile(`(?s)\{.*?\}`)
	wsRe         = regexp.MustCompile(`\s+`)
	flagSplitRe  = regexp.MustCompile(`(^|\s)-\s+([A-Za-z])`)
	brokenEscRe  = regexp.MustCompile(`\\\s+([A-Za-z0-9"'\\])`)
	shellAliases = map[string]bool{"sh": true, "bash": true, "shell": true}
	fetchTools   = map[string]bool{"curl": true, "wget": true}
	plainTools   = map[string]bool{
		"which": true, "ls": true, "cat": true, "head": true, "tail": true,
		"grep": true, "rg": true, "sed": true, "awk": true, "jq": true,
		"python": true, "python3": true,
	}
)

// jsonLenient unmarshals blob, retrying with raw newlines inside quoted
// strings escaped. Small models routinely emit literal newlines in
// command strings.
func jsonLenient(blob string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(blob), &v); err == nil {
		return v, true
	}
	var out strings.Builder
	inStr, esc := false, false
	for _, ch := range blob {
		if inStr {
			switch {
			case esc:
				esc = false
				out.WriteRune(ch)
			case ch == '\\':
				esc = true
				out.WriteRune(ch)
			case ch == '"':
				inStr = false
				out.WriteRune(ch)
			case ch == '\n':
				out.WriteString(`\n`)
			case ch == '\r':
				out.WriteString(`\r`)
			default:
				out.WriteRune(ch)
			}
			continue
		}
		if ch == '"' {
			inStr = true
		}
		out.WriteRune(ch)
	}
	if err := json.Unmarshal([]byte(out.String()), &v); err == nil {
		return v, true
	}
	return nil, false
}

// extractJSONBlock finds the first decodable JSON value in text:
// fenced blocks, then whole lines, then any brace-to-brace span.
func extractJSONBlock(text string) (any, bool) {
	for _, m := range fencedRe.FindAllStringSubmatch(text, -1) {
		if v, ok := jsonLenient(strings.TrimSpace(m[1])); ok {
			return v, true
		}
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		looksJSON := (strings.HasPrefix(line, "{") && strings.HasSuffix(line, "}")) ||
			(strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"))
		if !looksJSON {
			continue
		}
		if v, ok := jsonLenient(line); ok {
			return v, true
		}
	}
	if m := regexp.MustCompile(`(?s)(\{.*\}|\[.*\])`).FindStringSubmatch(text); m != nil {
		if v, ok := jsonLenient(strings.TrimSpace(m[1])); ok {
			return v, true
		}
	}
	return nil, false
}

// ParseWithThought reads a full model turn. A missing THOUGHT is
// forgiven when a direct tool call is present; a present THOUGHT with
// no decodable action is a format error the loop reports back.
func ParseWithThought(text string) AgentOutput {
	if strings.TrimSpace(text) == "" {
		return AgentOutput{Error: "Missing THOUGHT block. You must plan before acting."}
	}

	m := thoughtRe.FindStringIndex(text)
	if m == nil {
		if call := TryParseToolCall(text); call != nil {
			return AgentOutput{ToolName: call.Tool, ToolArgs: call.Args}
		}
		if v, ok := extractJSONBlock(text); ok {
			if blob, err := json.Marshal(v); err == nil {
				if call := TryParseToolCall(string(blob)); call != nil {
					return AgentOutput{ToolName: call.Tool, ToolArgs: call.Args}
				}
			}
		}
		// No THOUGHT and no action: a final or freeform response.
		return AgentOutput{}
	}

	remainder := text[m[1]:]
	var jsonObj any
	var found bool
	if am := actionRe.FindStringIndex(text); am != nil {
		jsonObj, found = extractJSONBlock(text[am[1]:])
	} else {
		jsonObj, found = extractJSONBlock(remainder)
		if !found {
			jsonObj, found = extractJSONBlock(text)
		}
	}

	thought := strings.TrimSpace(remainder)
	cut := -1
	for _, idx := range []int{strings.Index(thought, "{"), strings.Index(thought, "[")} {
		if idx >= 0 && (cut < 0 || idx < cut) {
			cut = idx
		}
	}
	if cut >= 0 {
		thought = strings.TrimSpace(thought[:cut])
	}

	if !found {
		return AgentOutput{Error: "Invalid or missing JSON Action."}
	}
	obj, ok := jsonObj.(map[string]any)
	if !ok {
		return AgentOutput{Thought: thought, Error: "Invalid or missing JSON Action."}
	}

	toolName, hasTool := "", false
	if raw, present := obj["tool"]; present {
		if s, isStr := raw.(string); isStr {
			toolName = strings.TrimSpace(s)
			hasTool = true
		}
	}

	var toolArgs map[string]any
	switch {
	case !hasTool && isNonEmptyString(obj["command"]):
		toolName = "shell"
		toolArgs = map[string]any{"cmd": obj["command"]}
	case !hasTool:
		toolArgs = obj
	default:
		switch args := obj["args"].(type) {
		case string:
			toolArgs = map[string]any{"cmd": args}
		case map[string]any:
			if _, hasCmd := args["cmd"]; !hasCmd {
				if cmd, hasCommand := args["command"]; hasCommand {
					args = cloneMap(args)
					args["cmd"] = cmd
				}
			}
			toolArgs = args
		default:
			toolArgs = map[string]any{}
		}
		if strings.EqualFold(toolName, "shell") && len(toolArgs) == 0 {
			if cmd := firstString(obj, "cmd", "command"); cmd != "" {
				toolArgs = map[string]any{"cmd": cmd}
			}
		}
	}

	return AgentOutput{Thought: thought, ToolName: toolName, ToolArgs: toolArgs}
}

// TryParseToolCall scans text for any recognizable tool-call shape and
// returns the canonical {tool, args} form, or nil.
func TryParseToolCall(text string) *models.ToolCall {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			continue
		}
		var obj any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}
		if call := normalizeCall(obj); call != nil {
			return call
		}
	}

	if m := fencedRe.FindStringSubmatch(text); m != nil {
		var obj any
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &obj); err == nil {
			if call := normalizeCall(obj); call != nil {
				return call
			}
		}
	}

	if m := inlineRe.FindStringSubmatch(text); m != nil {
		var obj any
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &obj); err == nil {
			if call := normalizeCall(obj); call != nil {
				return call
			}
		}
	}

	// Tokenizer artifacts: "<0x0A>" newlines, "▁" spaces, split escapes.
	cleaned := cleanTokenized(text)
	if m := inlineRe.FindStringSubmatch(cleaned); m != nil {
		var obj any
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &obj); err == nil {
			if call := normalizeCall(obj); call != nil {
				return call
			}
		}
	}
	return nil
}

// ExtractToolCalls returns every recognizable tool call in text, in
// order. Models sometimes emit several actions per turn; the loop
// executes all of them. Complete JSON lines are scanned first so that
// nested args objects survive; the span regex only backstops freeform
// embeddings.
func ExtractToolCalls(text string) []models.ToolCall {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var calls []models.ToolCall
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			continue
		}
		if call := TryParseToolCall(line); call != nil {
			calls = append(calls, *call)
		}
	}
	if len(calls) > 0 {
		return calls
	}
	for _, span := range objectRe.FindAllString(text, -1) {
		if call := TryParseToolCall(span); call != nil {
			calls = append(calls, *call)
		}
	}
	if len(calls) > 0 {
		return calls
	}
	if call := TryParseToolCall(text); call != nil {
		return []models.ToolCall{*call}
	}
	return nil
}

func shellCall(cmd string) *models.ToolCall {
	return &models.ToolCall{Tool: "shell", Args: map[string]any{"cmd": cmd}}
}

// normalizeCall maps the many observed near-miss shapes onto the
// canonical call. Ordered roughly by frequency in real transcripts.
func normalizeCall(v any) *models.ToolCall {
	obj, ok := stripKeys(v).(map[string]any)
	if !ok {
		return nil
	}

	// {"action":"run","command":"..."}
	if action := strings.ToLower(strings.TrimSpace(stringOf(obj["action"]))); action != "" {
		if action == "run" || action == "shell" {
			if cmd := firstString(obj, "command", "cmd"); cmd != "" {
				return shellCall(cmd)
			}
		}
		if action == "write_file" || action == "writefile" || action == "write" {
			path := stringOf(obj["path"])
			content, hasContent := obj["content"].(string)
			if strings.TrimSpace(path) != "" && hasContent {
				p := despace(path)
				if strings.HasSuffix(p, "notes.md") {
					return shellCall("cat >> " + p + " << 'EOF'\n" + content + "\nEOF")
				}
				return shellCall("cat > " + p + " << 'EOF'\n" + content + "\nEOF")
			}
		}
	}

	// Canonical: {"tool":"...","args":{...}}
	if toolRaw, present := obj["tool"]; present {
		tool := stringOf(toolRaw)
		if args, isMap := obj["args"].(map[string]any); tool != "" && isMap {
			// tool="args" is a frequent field-name confusion.
			if strings.EqualFold(strings.TrimSpace(tool), "args") {
				if _, hasCmd := args["cmd"]; hasCmd || args["command"] != nil {
					args = cloneMap(args)
					if _, ok := args["cmd"]; !ok {
						args["cmd"] = args["command"]
						delete(args, "command")
					}
					return &models.ToolCall{Tool: "shell", Args: args}
				}
			}
			return &models.ToolCall{Tool: tool, Args: args}
		}
		if strings.EqualFold(strings.TrimSpace(tool), "shell") {
			if cmd := firstString(obj, "command", "cmd"); cmd != "" {
				return shellCall(cmd)
			}
		}
	}

	// Top-level tool_name + command_line.
	if _, a := obj["tool_name"]; a {
		if call := normalizeNamedTool(obj); call != nil {
			return call
		}
	} else if _, b := obj["command_line"]; b {
		if call := normalizeNamedTool(obj); call != nil {
			return call
		}
	}

	// {"command":{"tool":"curl","parameters":{...}}}
	if cmdObj, isMap := obj["command"].(map[string]any); isMap {
		if call := normalizeCommandObject(cmdObj); call != nil {
			return call
		}
	}

	// {"commands":[{...}, ...]}
	if list, isList := obj["commands"].([]any); isList {
		for _, item := range list {
			c, isMap := stripKeys(item).(map[string]any)
			if !isMap {
				continue
			}
			if call := normalizeCommandsEntry(c); call != nil {
				return call
			}
		}
	}

	// {"shell":{"cmd":"..."}}
	if args, isMap := obj["shell"].(map[string]any); isMap {
		return &models.ToolCall{Tool: "shell", Args: renameCommandKey(args)}
	}

	// Bare {"cmd":"..."} or {"command":"..."} imply shell.
	if cmd := stringOf(obj["cmd"]); cmd != "" {
		return shellCall(cmd)
	}
	if cmd := stringOf(obj["command"]); cmd != "" {
		return shellCall(cmd)
	}

	// Single-key {"<tool>":{...}}.
	if len(obj) == 1 {
		for k, raw := range obj {
			if v, isMap := raw.(map[string]any); isMap {
				if k == "shell" {
					return &models.ToolCall{Tool: "shell", Args: renameCommandKey(v)}
				}
				return &models.ToolCall{Tool: k, Args: v}
			}
		}
	}
	return nil
}

func normalizeNamedTool(obj map[string]any) *models.ToolCall {
	toolName := strings.ToLower(strings.TrimSpace(wsRe.ReplaceAllString(stringOf(obj["tool_name"]), "")))
	if cmdline := firstString(obj, "command_line", "command", "cmd"); cmdline != "" {
		cmdline = normalizeCommandStr(cmdline)
		if fetchTools[toolName] {
			cmdline = reconstructFetchCmd(cmdline)
		}
		return shellCall(cmdline)
	}
	if param := firstString(obj, "parameter", "parameters"); toolName != "" && param != "" {
		return shellCall(toolName + " " + normalizeCommandStr(param))
	}
	return nil
}

func normalizeCommandObject(cmdObj map[string]any) *models.ToolCall {
	c, ok := stripKeys(cmdObj).(map[string]any)
	if !ok {
		return nil
	}
	toolName := strings.ToLower(strings.TrimSpace(wsRe.ReplaceAllString(firstString(c, "tool", "name"), "")))
	params := paramsOf(c)

	if shellAliases[toolName] {
		if cmdline := firstString(params, "command", "cmd"); cmdline != "" {
			return shellCall(normalizeCommandStr(cmdline))
		}
	}
	if fetchTools[toolName] {
		if cmdline := firstString(params, "command", "cmd"); cmdline != "" {
			return shellCall(reconstructFetchCmd(normalizeCommandStr(cmdline)))
		}
		if call := fetchFromParams(toolName, params); call != nil {
			return call
		}
	}
	if cmdline := firstString(params, "command", "cmd"); cmdline != "" {
		return shellCall(normalizeCommandStr(cmdline))
	}
	if filePath := firstString(params, "file_path", "filepath", "path", "file"); filePath != "" && toolName != "" {
		return shellCall(toolName + " " + quoteIfNeeded(despace(filePath)))
	}
	return nil
}

func normalizeCommandsEntry(c map[string]any) *models.ToolCall {
	toolName := strings.ToLower(strings.TrimSpace(wsRe.ReplaceAllString(firstString(c, "tool", "name"), "")))
	params := paramsOf(c)
	param := stringOf(c["parameter"])
	cmdlineDirect := firstString(c, "command", "cmd")

	if shellAliases[toolName] {
		if cmdline := firstString(params, "command", "cmd"); cmdline != "" {
			return shellCall(normalizeCommandStr(cmdline))
		}
		if strings.TrimSpace(cmdlineDirect) != "" {
			return shellCall(normalizeCommandStr(cmdlineDirect))
		}
	}
	if fetchTools[toolName] {
		if call := fetchFromParams(toolName, params); call != nil {
			return call
		}
		if strings.TrimSpace(param) != "" {
			return shellCall(toolName + " -sL " + quoteIfNeeded(despace(param)))
		}
	}
	if plainTools[toolName] {
		if strings.TrimSpace(cmdlineDirect) != "" {
			return shellCall(normalizeCommandStr(cmdlineDirect))
		}
		if strings.TrimSpace(param) != "" {
			return shellCall(toolName + " " + normalizeCommandStr(param))
		}
	}
	if cmdline := firstString(params, "command", "cmd"); cmdline != "" {
		return shellCall(normalizeCommandStr(cmdline))
	}
	if filePath := firstString(params, "file_path", "filepath", "path", "file"); filePath != "" && toolName != "" {
		return shellCall(toolName + " " + quoteIfNeeded(despace(filePath)))
	}
	return nil
}

func fetchFromParams(toolName string, params map[string]any) *models.ToolCall {
	url := firstString(params, "url", "href", "link")
	if strings.TrimSpace(url) == "" {
		return nil
	}
	url = despace(url)
	if outPath := firstString(params, "output", "out"); strings.TrimSpace(outPath) != "" {
		return shellCall(toolName + " -sL " + quoteIfNeeded(url) + " -o " + quoteIfNeeded(despace(outPath)))
	}
	return shellCall(toolName + " -sL " + quoteIfNeeded(url))
}

func paramsOf(c map[string]any) map[string]any {
	if p, ok := stripKeys(c["parameters"]).(map[string]any); ok {
		return p
	}
	if p, ok := stripKeys(c["args"]).(map[string]any); ok {
		return p
	}
	return map[string]any{}
}

// stripKeys removes whitespace from map keys recursively. Tokenized
// output splits keys like "command _ line".
func stripKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[wsRe.ReplaceAllString(k, "")] = stripKeys(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = stripKeys(val)
		}
		return out
	default:
		return v
	}
}

func despace(s string) string {
	return wsRe.ReplaceAllString(s, "")
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return "''"
	}
	if wsRe.MatchString(s) {
		return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
	}
	return s
}

// normalizeCommandStr undoes tokenization damage in a command string:
// collapsed whitespace, "- la" style split flags, and path fragments
// like "/ work / out" rejoined.
func normalizeCommandStr(s string) string {
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(wsRe.ReplaceAllString(s, " "))
	s = flagSplitRe.ReplaceAllString(s, "$1-$2")

	separators := map[string]bool{"|": true, "&&": true, ";": true, "||": true}
	var out []string
	current := ""
	haveCurrent := false
	for _, tok := range strings.Split(s, " ") {
		if separators[tok] {
			if haveCurrent {
				out = append(out, current)
				haveCurrent = false
			}
			out = append(out, tok)
			continue
		}
		if haveCurrent {
			current += tok
			continue
		}
		if tok == "/" || strings.HasPrefix(tok, "/") || strings.HasSuffix(tok, "/") {
			current = tok
			haveCurrent = true
			continue
		}
		out = append(out, tok)
	}
	if haveCurrent {
		out = append(out, current)
	}
	return strings.TrimSpace(wsRe.ReplaceAllString(strings.Join(out, " "), " "))
}

// reconstructFetchCmd rejoins a URL (and a -o path) that tokenization
// split across multiple tokens in a curl or wget command line.
func reconstructFetchCmd(cmdline string) string {
	tokens := strings.Fields(cmdline)
	if len(tokens) == 0 {
		return cmdline
	}
	isFlag := func(tok string) bool {
		return strings.HasPrefix(tok, "-") && len(tok) > 1
	}

	urlIdx := -1
	for i, t := range tokens {
		if strings.HasPrefix(t, "http") {
			urlIdx = i
			break
		}
	}
	if urlIdx >= 0 {
		j := urlIdx + 1
		for j < len(tokens) && !isFlag(tokens[j]) {
			j++
		}
		url := strings.Join(tokens[urlIdx:j], "")
		tokens = append(append(append([]string{}, tokens[:urlIdx]...), url), tokens[j:]...)
	}

	oIdx := -1
	for i, t := range tokens {
		if t == "-o" || t == "--output" {
			oIdx = i
			break
		}
	}
	if oIdx >= 0 && oIdx+1 < len(tokens) {
		j := oIdx + 1
		for j < len(tokens) && !isFlag(tokens[j]) {
			j++
		}
		path := strings.Join(tokens[oIdx+1:j], "")
		tokens = append(append(append([]string{}, tokens[:oIdx+1]...), path), tokens[j:]...)
	}
	return strings.Join(tokens, " ")
}

func cleanTokenized(s string) string {
	s = strings.ReplaceAll(s, "<0x0A>", "\n")
	s = strings.ReplaceAll(s, "▁", " ")
	s = stripWSOutsideStrings(s)
	return brokenEscRe.ReplaceAllString(s, `\$1`)
}

func stripWSOutsideStrings(s string) string {
	var out strings.Builder
	inStr, esc := false, false
	for _, ch := range s {
		if inStr {
			out.WriteRune(ch)
			switch {
			case esc:
				esc = false
			case ch == '\\':
				esc = true
			case ch == '"':
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
			out.WriteRune(ch)
		case ' ', '\t', '\r', '\n':
		default:
			out.WriteRune(ch)
		}
	}
	return out.String()
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func isNonEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) != ""
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// renameCommandKey rewrites a "command" args key to the canonical
// "cmd", leaving an existing "cmd" untouched.
func renameCommandKey(args map[string]any) map[string]any {
	if _, ok := args["cmd"]; ok {
		return args
	}
	cmd, ok := args["command"]
	if !ok {
		return args
	}
	out := cloneMap(args)
	out["cmd"] = cmd
	delete(out, "command")
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
