// ABOUTME: Decrypts encrypted event callbacks with the open platform SDK
// ABOUTME: The {"encrypt": ...} envelope wraps the plain schema 2.0 callback

package feishu

import (
	"errors"
	"fmt"

	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
	"github.com/tidwall/gjson"
)

// plaintext returns body, decrypting it when it is an {"encrypt": ...} envelope.
func (a *Adapter) plaintext(body []byte) ([]byte, error) {
	enc := gjson.GetBytes(body, "encrypt")
	if !enc.Exists() {
		return body, nil
	}
	if a.encryptKey == "" {
		return nil, errors.New("encrypted callback without a configured encrypt key")
	}
	return decrypt(enc.String(), a.encryptKey)
}

func decrypt(encrypted, key string) ([]byte, error) {
	plain, err := larkevent.EventDecrypt(encrypted, key)
	if err != nil {
		return nil, fmt.Errorf("decrypting callback: %w", err)
	}
	if !gjson.ValidBytes(plain) {
		return nil, errors.New("decrypted callback is not JSON")
	}
	return plain, nil
}
