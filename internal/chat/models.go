package chat

// Model is an assistant model the service is willing to dispatch to.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DefaultModel is applied when a request omits the model.
const DefaultModel = "gemini-2.0-flash"

// AvailableModels is the whitelist of model identifiers.
var AvailableModels = []Model{
	{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash"},
	{ID: "gemini-2.0-flash-lite", Name: "Gemini 2.0 Flash Lite"},
	{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash"},
	{ID: "gemini-2.5-flash-lite", Name: "Gemini 2.5 Flash Lite"},
	{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro"},
}

func IsAvailableModel(id string) bool {
	for _, m := range AvailableModels {
		if m.ID == id {
			return true
		}
	}
	return false
}
