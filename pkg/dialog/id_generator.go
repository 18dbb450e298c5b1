package dialog

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Суффикс хостовой части генерируемых Call-ID.
const callIDSuffix = "@voipcore"

// generateCallID генерирует уникальный Call-ID.
// КРИТИЧНО: криптографически стойкая генерация, коллизии Call-ID ломают
// маршрутизацию диалогов.
func generateCallID() string {
	randomBytes := make([]byte, 16)
	if _, err := rand.Read(randomBytes); err != nil {
		// Последний fallback при недоступности crypto/rand
		return fmt.Sprintf("%x%s", time.Now().UnixNano(), callIDSuffix)
	}
	return hex.EncodeToString(randomBytes) + callIDSuffix
}

// generateTag генерирует уникальный тег диалога (RFC 3261 §19.3
// требует минимум 32 бита случайности, здесь 64).
func generateTag() string {
	randomBytes := make([]byte, 8)
	if _, err := rand.Read(randomBytes); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(randomBytes)
}
