package provider

import "strings"

// Template placeholders recognised in invocation templates.
const (
	PlaceholderCLI        = "{cli}"
	PlaceholderPromptFile = "{prompt_file}"
	PlaceholderModel      = "{model}"
	PlaceholderSessionID  = "{session_id}"
)

// ExpandTemplate substitutes placeholders per argv token. Tokens are never
// joined or re-split, so a prompt path with spaces stays one argument and
// nothing passes through a shell.
//
// A token that is exactly "{session_id}" is dropped together with its
// preceding flag when no session id is supplied.
func ExpandTemplate(template []string, cli, promptFile, model, sessionID string) []string {
	argv := make([]string, 0, len(template))
	for i := 0; i < len(template); i++ {
		tok := template[i]

		if sessionID == "" && tok == PlaceholderSessionID {
			// Drop the flag that introduced it, e.g. "--resume".
			if len(argv) > 0 && strings.HasPrefix(argv[len(argv)-1], "-") {
				argv = argv[:len(argv)-1]
			}
			continue
		}

		tok = strings.ReplaceAll(tok, PlaceholderCLI, cli)
		tok = strings.ReplaceAll(tok, PlaceholderPromptFile, promptFile)
		tok = strings.ReplaceAll(tok, PlaceholderModel, model)
		tok = strings.ReplaceAll(tok, PlaceholderSessionID, sessionID)
		argv = append(argv, tok)
	}
	return argv
}
