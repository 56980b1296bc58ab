package domain

// ChatMessage is the provider-agnostic chat message shape used by the reply
// generator and LLM integrations. Images holds http(s) or data URLs that are
// sent alongside Content for vision-capable models.
type ChatMessage struct {
	Role    string
	Content string
	Images  []string
}
