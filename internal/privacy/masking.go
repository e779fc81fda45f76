package privacy

import (
	"strings"
)

// MaskPhoneNumber masks a phone number showing only the last 4 digits
// Example: "+79161234567" -> "+*******4567"
func MaskPhoneNumber(phone string) string {
	if phone == "" {
		return ""
	}

	if strings.HasPrefix(phone, "+") {
		return "+" + maskString(phone[1:], 4)
	}
	return maskString(phone, 4)
}

// MaskCode hides a verification code except for its last two characters
// Example: "123456" -> "****56"
func MaskCode(code string) string {
	return maskString(code, 2)
}

// MaskChatID masks a chat ID, keeping a leading minus so group chats stay recognizable
// Example: "-1001234567890" -> "-*********7890"
func MaskChatID(chatID string) string {
	if strings.HasPrefix(chatID, "-") {
		return "-" + maskString(chatID[1:], 4)
	}
	return maskString(chatID, 4)
}

// MaskUser masks a login
// Example: "operator42" -> "******or42"
func MaskUser(user string) string {
	return maskString(user, 4)
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	runes := []rune(s)
	if len(runes) <= keepLast {
		return strings.Repeat("*", len(runes))
	}

	return strings.Repeat("*", len(runes)-keepLast) + string(runes[len(runes)-keepLast:])
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "phone", "contact_phone", "virtual_phone", "receiver":
			masked[k] = MaskPhoneNumber(s)
		case "chat_id":
			masked[k] = MaskChatID(s)
		case "code":
			masked[k] = MaskCode(s)
		case "user":
			masked[k] = MaskUser(s)
		default:
			masked[k] = v
		}
	}

	return masked
}
