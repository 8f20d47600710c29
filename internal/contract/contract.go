// Package contract defines the JSON bodies exchanged with the chat,
// punctuation, speech synthesis and note endpoints.
package contract

// Message is one role/content pair in a chat request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest asks a model for the next examiner reply.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Endpoint string    `json:"endpoint,omitempty"`
	Engine   string    `json:"engine,omitempty"`
}

// ChatResponse carries the model reply or an error message.
type ChatResponse struct {
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// PunctuateRequest carries raw recognized text.
type PunctuateRequest struct {
	Text string `json:"text"`
}

// PunctuateResponse carries normalized text.
type PunctuateResponse struct {
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// TTSRequest asks for the given text to be spoken.
type TTSRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// TTSResponse carries base64 encoded audio or an error message.
type TTSResponse struct {
	Audio string `json:"audio,omitempty"`
	Error string `json:"error,omitempty"`
}

// NoteRequest is the body of a save-notice call.
type NoteRequest struct {
	Content string `json:"content"`
}

// NoteResponse names the file a note was written to.
type NoteResponse struct {
	Filename string `json:"filename,omitempty"`
	Error    string `json:"error,omitempty"`
}
