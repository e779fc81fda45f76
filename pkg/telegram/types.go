package telegram

// ParseModeMarkdownV2 is the only markup dialect the client emits
const ParseModeMarkdownV2 = "MarkdownV2"

// SendMessageRequest is the sendMessage payload
type SendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

// APIResponse is the envelope every Bot API method returns
type APIResponse struct {
	OK          bool                `json:"ok"`
	Description string              `json:"description,omitempty"`
	ErrorCode   int                 `json:"error_code,omitempty"`
	Parameters  *ResponseParameters `json:"parameters,omitempty"`
}

type ResponseParameters struct {
	RetryAfter int `json:"retry_after,omitempty"`
}
