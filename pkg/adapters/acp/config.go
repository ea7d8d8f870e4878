package acp

// AgentConfig describes how to launch an ACP agent process.
type AgentConfig struct {
	Command     string            `yaml:"command" json:"command"`
	Args        []string          `yaml:"args" json:"args"`
	Environment map[string]string `yaml:"env" json:"env"`
	Dir         string            `yaml:"dir" json:"dir"`
}

// DefaultAgentConfig launches the Claude Code ACP bridge through npx.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Command: "npx",
		Args:    []string{"-y", "@zed-industries/claude-code-acp"},
	}
}
