package runner

// AgentArgs selects the flags of one agent invocation.
type AgentArgs struct {
	Prompt          string
	Model           string
	AllowedTools    string
	SkipPermissions bool
}

// BuildAgentArgs composes the agent command line. The prompt always comes
// last, after "--", so it is never read as a flag.
func BuildAgentArgs(a AgentArgs) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if a.Model != "" {
		args = append(args, "--model", a.Model)
	}
	switch {
	case a.SkipPermissions:
		args = append(args, "--dangerously-skip-permissions")
	case a.AllowedTools != "":
		args = append(args, "--allowedTools", a.AllowedTools)
	}
	return append(args, "--", a.Prompt)
}
