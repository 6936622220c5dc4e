package provider

import (
	"os"
	"strings"
)

// envBlocklist are environment variable prefixes stripped from child
// processes. Provider CLIs authenticate through their own config files in
// the isolated home, not through inherited secrets.
var envBlocklist = []string{
	"AWS_SECRET",
	"AWS_SESSION",
	"GITHUB_TOKEN",
	"GITLAB_TOKEN",
	"NPM_TOKEN",
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
	"STEROIDS_",
}

// sanitizedEnv builds the child environment: the process environment with
// blocklisted secrets removed, HOME pointed at the isolated home, and
// provider extras layered on top.
func sanitizedEnv(homeDir string, extra map[string]string) []string {
	var env []string
	for _, kv := range os.Environ() {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if key == "HOME" || blocked(key) {
			continue
		}
		if _, shadowed := extra[key]; shadowed {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, "HOME="+homeDir)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func blocked(key string) bool {
	for _, prefix := range envBlocklist {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
