package core

// titleLimit is how many characters of the first reply become the title.
const titleLimit = 50

// TitleFromReply derives a conversation title from the first assistant reply.
func TitleFromReply(reply string) string {
	runes := []rune(reply)
	if len(runes) <= titleLimit {
		return reply
	}
	return string(runes[:titleLimit]) + "..."
}
